package metrics

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"payment-service/internal/config"
)

// Duration categories.
const (
	CategoryPayment = "payment"
	CategoryRefund  = "refund"
	CategoryWebhook = "webhook"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeStale     = "stale"
	OutcomeDropped   = "dropped"
)

func Setup(cfg config.Metrics) {
	if cfg.URL == "" {
		return
	}

	err := metrics.InitPush(cfg.URL, time.Duration(cfg.IntervalMs)*time.Millisecond, cfg.CommonLabels, true)
	if err != nil {
		log.Printf("Error initializing metrics push: %v", err)
	}
}

// RecordOutcome increments payment_operations_total for the given labels.
func RecordOutcome(operation, gateway, outcome string) {
	operationCounter(operation, gateway, outcome).Inc()
}

// ObserveDuration records the milliseconds elapsed since start for category.
func ObserveDuration(category string, start time.Time) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`payment_operation_duration_milliseconds{category=%q}`, category)).
		Update(float64(time.Since(start).Milliseconds()))
}

func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}

func operationCounter(operation, gateway, outcome string) *metrics.Counter {
	if gateway == "" {
		gateway = "none"
	}
	return metrics.GetOrCreateCounter(fmt.Sprintf(`payment_operations_total{operation=%q,gateway=%q,outcome=%q}`, operation, gateway, outcome))
}
