package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payment-service/internal/config"
	"payment-service/internal/logging"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var replayRequestMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="webhook_replay"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="webhook_replay"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="webhook_replay"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="webhook_replay"}`),
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// ReplayRequest asks for a stored webhook record to be processed again.
type ReplayRequest struct {
	WebhookRecordID uuid.UUID `json:"webhookRecordId"`
}

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.WebhookReplays,
	})
}

// ReadReplayRequests consumes replay requests until ctx is done.
func ReadReplayRequests(ctx context.Context, reader MessageReader, replay func(context.Context, uuid.UUID) error, logger *slog.Logger) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var r ReplayRequest
		if err := json.Unmarshal(value, &r); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message: %v", err))
			replayRequestMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		if r.WebhookRecordID == uuid.Nil {
			logger.ErrorContext(ctx, "Replay request without webhookRecordId")
			replayRequestMetrics.UnmarshalErrorCounter.Inc()
			return errors.New("webhookRecordId missing")
		}
		ctx = logging.AppendCtx(ctx, slog.String("webhookRecordId", r.WebhookRecordID.String()))
		return replay(ctx, r.WebhookRecordID)
	}, replayRequestMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	go func() {
		for {
			logger.InfoContext(ctx, "Waiting for messages from Kafka...")
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.InfoContext(ctx, "Context done, stopping Kafka reader")
					return
				}
				logger.ErrorContext(ctx, fmt.Sprintf("Error reading message: %v", err))
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.InfoContext(ctx, fmt.Sprintf("Received message from topic %s", m.Topic), "offset", m.Offset)

			err = process(ctx, m.Value)
			if err != nil {
				logger.ErrorContext(ctx, fmt.Sprintf("Error processing message: %v", err))
				kafkaMetrics.ProcessErrorCounter.Inc()
				continue
			}
			kafkaMetrics.SuccessCounter.Inc()
		}
	}()
}
