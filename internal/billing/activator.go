package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"payment-service/internal/apperr"
	"payment-service/internal/config"
	"payment-service/internal/ledger"
	"payment-service/internal/lock"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/storage"
)

const (
	defaultParallelism = 100
	defaultTimeout     = 30 * time.Second
	lockAttempts       = 5
)

var (
	activationSuccessCounter = metrics.GetOrCreateCounter(`billing_activations_total{result="success"}`)
	activationSkippedCounter = metrics.GetOrCreateCounter(`billing_activations_total{result="skipped"}`)
	activationFailedCounter  = metrics.GetOrCreateCounter(`billing_activations_total{result="failed"}`)

	activationDurationHistogram = metrics.GetOrCreateHistogram(`billing_activation_duration_milliseconds`)
)

// Activator activates or renews the subscription a completed transaction paid
// for. Activation runs off the caller's path in its own unit of work; a failure
// flags the subscription and never touches the transaction.
type Activator struct {
	store       storage.Store
	locker      lock.Locker
	sem         chan struct{}
	timeout     time.Duration
	lockBackoff time.Duration
	logger      *slog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewActivator(store storage.Store, locker lock.Locker, cfg config.Billing, logger *slog.Logger) *Activator {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Activator{
		store:       store,
		locker:      locker,
		sem:         make(chan struct{}, parallelism),
		timeout:     timeout,
		lockBackoff: 50 * time.Millisecond,
		logger:      logger,
		now:         time.Now,
	}
}

// Trigger schedules activation for txn when it belongs to a subscription. It
// never waits for a free slot; queued activations wait in their own goroutine.
func (a *Activator) Trigger(ctx context.Context, txn model.Transaction) {
	if txn.SubscriptionID == nil || txn.Status != model.StatusCompleted {
		return
	}

	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sem <- struct{}{}
		defer func() { <-a.sem }()

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if err := a.Activate(ctx, txn); err != nil {
			a.logger.ErrorContext(ctx, "Error activating subscription", "subscriptionId", *txn.SubscriptionID,
				"transactionId", txn.ID, "error", err)
			activationFailedCounter.Inc()
			a.flag(ctx, *txn.SubscriptionID, txn.ID, err)
		}
	}()
}

// Wait blocks until every triggered activation has finished.
func (a *Activator) Wait() {
	a.wg.Wait()
}

// Activate applies txn to its subscription. Applying the same transaction twice
// changes nothing.
func (a *Activator) Activate(ctx context.Context, txn model.Transaction) error {
	startTime := time.Now()
	defer func() {
		activationDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	if txn.SubscriptionID == nil {
		return nil
	}
	id := *txn.SubscriptionID
	ctx = logging.AppendCtx(ctx, slog.String("subscriptionId", id.String()))

	lease, err := a.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			a.logger.WarnContext(ctx, "Error releasing subscription lock", "error", err)
		}
	}()

	return a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		sub, err := tx.Subscriptions().GetByIDForUpdate(ctx, id)
		if err != nil {
			return subscriptionNotFound(err, id)
		}

		if sub.LastTransactionID != nil && *sub.LastTransactionID == txn.ID {
			a.logger.InfoContext(ctx, "Subscription already applied for transaction", "transactionId", txn.ID)
			activationSkippedCounter.Inc()
			return nil
		}
		now := a.now()
		if sub.Status == model.SubscriptionCancelled {
			a.logger.WarnContext(ctx, "Payment completed for cancelled subscription", "transactionId", txn.ID)
			activationSkippedCounter.Inc()
			return ledger.Audit(ctx, tx, model.EntitySubscription, id.String(), "activate", "skipped", map[string]string{
				"transactionId": txn.ID.String(),
				"reason":        "cancelled",
			}, now)
		}

		action := "activate"
		start := now
		if txn.ProcessedAt != nil {
			start = *txn.ProcessedAt
		}
		if sub.Status == model.SubscriptionActive && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(start) {
			action = "renew"
			start = *sub.CurrentPeriodEnd
		}
		end := sub.Interval.Advance(start)
		transactionID := txn.ID

		sub.Status = model.SubscriptionActive
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.LastTransactionID = &transactionID
		sub.NeedsAttention = false
		sub.LastError = nil
		sub.UpdatedAt = now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}

		a.logger.InfoContext(ctx, "Subscription activated", "action", action, "transactionId", txn.ID, "periodEnd", end)
		activationSuccessCounter.Inc()
		return ledger.Audit(ctx, tx, model.EntitySubscription, id.String(), action, "success", map[string]string{
			"transactionId": txn.ID.String(),
			"periodEnd":     end.UTC().Format(time.RFC3339),
		}, now)
	})
}

// acquire waits briefly for another activation of the same subscription to finish.
func (a *Activator) acquire(ctx context.Context, id uuid.UUID) (lock.Lease, error) {
	var lease lock.Lease
	backoff := retry.WithMaxRetries(lockAttempts, retry.NewExponential(a.lockBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		lease, err = a.locker.Acquire(ctx, "subscription:"+id.String(), a.timeout)
		if errors.Is(err, lock.ErrNotAcquired) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Conflict, apperr.CodeConcurrentModification, err,
			"subscription "+id.String()+" is locked by another activation")
	}
	return lease, nil
}

func (a *Activator) flag(ctx context.Context, id, transactionID uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := a.now()
	err := a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		sub, err := tx.Subscriptions().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		message := cause.Error()
		sub.NeedsAttention = true
		sub.LastError = &message
		sub.UpdatedAt = now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		return ledger.Audit(ctx, tx, model.EntitySubscription, id.String(), "activate", "failed", map[string]string{
			"transactionId": transactionID.String(),
			"code":          apperr.CodeOf(cause),
		}, now)
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "Error flagging subscription for attention", "subscriptionId", id, "error", err)
	}
}
