package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"payment-service/internal/config"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/storage"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 50
)

var (
	sweeperErrorFetchingCounter = metrics.GetOrCreateCounter(`webhook_sweeper_total{result="fetching_failed"}`)
	sweeperSuccessCounter       = metrics.GetOrCreateCounter(`webhook_sweeper_total{result="success"}`)

	sweeperReplayedCounter     = metrics.GetOrCreateCounter(`webhook_sweeper_records_total{result="replayed"}`)
	sweeperReplayFailedCounter = metrics.GetOrCreateCounter(`webhook_sweeper_records_total{result="failed"}`)

	sweeperDurationHistogram = metrics.GetOrCreateHistogram(`webhook_sweeper_duration_milliseconds`)
)

// Sweeper periodically replays verified records that failed processing and still
// have attempts left.
type Sweeper struct {
	pipeline  *Pipeline
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewSweeper(pipeline *Pipeline, cfg config.Webhook, logger *slog.Logger) *Sweeper {
	interval := time.Duration(cfg.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &Sweeper{pipeline: pipeline, interval: interval, batchSize: batchSize, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping webhook sweeper")
				return
			}
		}
	}()
}

// Sweep replays one batch and returns how many records were processed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	startTime := time.Now()
	defer func() {
		sweeperDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// runId correlates all logs of one sweep
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	var pending []*model.WebhookRecord
	err := s.pipeline.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		pending, err = tx.Webhooks().ListUnprocessed(ctx, s.pipeline.settings.MaxAttempts, s.batchSize, true)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching unprocessed webhooks", "error", err)
		sweeperErrorFetchingCounter.Inc()
		return 0
	}
	if len(pending) == 0 {
		sweeperSuccessCounter.Inc()
		return 0
	}

	s.logger.InfoContext(ctx, "Replaying unprocessed webhooks", "count", len(pending))
	processed := 0
	for _, rec := range pending {
		result := s.pipeline.Replay(ctx, rec.ID)
		if !result.IsOk() {
			sweeperReplayFailedCounter.Inc()
			continue
		}
		sweeperReplayedCounter.Inc()
		processed++
	}

	sweeperSuccessCounter.Inc()
	return processed
}
