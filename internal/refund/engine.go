// Package refund decides whether a completed transaction may be refunded, how much
// of it is left to refund, and executes full or partial refunds through the
// gateway router.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/config"
	"payment-service/internal/events"
	"payment-service/internal/gateway"
	"payment-service/internal/ledger"
	"payment-service/internal/lock"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
	"payment-service/internal/storage"
)

const operation = "refund_request"

const (
	defaultWindow  = 90 * 24 * time.Hour
	defaultLockTTL = 30 * time.Second
)

type Emitter interface {
	Emit(ctx context.Context, msg events.Message)
}

type Settings struct {
	Window    time.Duration
	MinAmount decimal.Decimal
	LockTTL   time.Duration
	// Topic receives the user notification of a successful refund.
	Topic string
}

func SettingsFromConfig(cfg config.Refund, topic string) (Settings, error) {
	settings := Settings{
		Window:  time.Duration(cfg.WindowDays) * 24 * time.Hour,
		LockTTL: time.Duration(cfg.LockTTLMs) * time.Millisecond,
		Topic:   topic,
	}
	if cfg.MinAmount != "" {
		minAmount, err := decimal.NewFromString(cfg.MinAmount)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid refund min-amount %q: %w", cfg.MinAmount, err)
		}
		settings.MinAmount = minAmount
	}
	return settings, nil
}

// Request carries what the caller knows about a refund besides its amount.
type Request struct {
	Reason string
	// IdempotencyKey defaults to one derived from the transaction and the number
	// of refunds already on record.
	IdempotencyKey string
	Notes          map[string]string
}

type Result struct {
	Refund      gateway.RefundResult
	Transaction *model.Transaction
	// RefundedTotal includes this refund.
	RefundedTotal decimal.Decimal
	Remaining     decimal.Decimal
	// Refunded reports whether the transaction moved to REFUNDED.
	Refunded bool
}

type Engine struct {
	ledger   *ledger.Ledger
	router   *gateway.Router
	locker   lock.Locker
	emitter  Emitter
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(l *ledger.Ledger, router *gateway.Router, locker lock.Locker, emitter Emitter, settings Settings, logger *slog.Logger) *Engine {
	if settings.Window <= 0 {
		settings.Window = defaultWindow
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = defaultLockTTL
	}
	return &Engine{
		ledger:   l,
		router:   router,
		locker:   locker,
		emitter:  emitter,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// FullRefund refunds whatever remains refundable on the transaction.
func (e *Engine) FullRefund(ctx context.Context, transactionID uuid.UUID, req Request) outcome.Outcome[Result] {
	return e.execute(ctx, transactionID, nil, req)
}

// PartialRefund refunds amount, which must not exceed the refundable remainder.
func (e *Engine) PartialRefund(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, req Request) outcome.Outcome[Result] {
	return e.execute(ctx, transactionID, &amount, req)
}

// History lists the refunds the gateway holds for the transaction.
func (e *Engine) History(ctx context.Context, transactionID uuid.UUID) outcome.Outcome[[]model.RefundRecord] {
	txn, err := e.ledger.Get(ctx, transactionID)
	if err != nil {
		return outcome.Fail[[]model.RefundRecord](err)
	}
	if txn.GatewayReference() == "" {
		return outcome.Ok([]model.RefundRecord{})
	}
	return outcome.Map(e.router.ListRefunds(ctx, txn.GatewayReference()), func(refunds []gateway.RefundResult) []model.RefundRecord {
		return records(txn.ID, refunds)
	})
}

// Refundable returns the live refundable remainder of a transaction.
func (e *Engine) Refundable(ctx context.Context, transactionID uuid.UUID) outcome.Outcome[decimal.Decimal] {
	txn, err := e.ledger.Get(ctx, transactionID)
	if err != nil {
		return outcome.Fail[decimal.Decimal](err)
	}
	if txn.GatewayReference() == "" {
		return outcome.Ok(txn.Amount)
	}
	return outcome.Map(e.router.ListRefunds(ctx, txn.GatewayReference()), func(refunds []gateway.RefundResult) decimal.Decimal {
		return Remainder(txn.Amount, records(txn.ID, refunds))
	})
}

func (e *Engine) execute(ctx context.Context, transactionID uuid.UUID, amount *decimal.Decimal, req Request) outcome.Outcome[Result] {
	ctx = logging.AppendCtx(ctx, slog.String("transactionId", transactionID.String()))

	lease, err := e.locker.Acquire(ctx, "refund:"+transactionID.String(), e.settings.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			err = apperr.Newf(apperr.Conflict, apperr.CodeRefundInProgress,
				"another refund for transaction %s is in progress", transactionID)
		} else {
			err = apperr.Wrap(apperr.Unavailable, apperr.CodeRefundInProgress, err, "refund lock unavailable")
		}
		return e.failed(ctx, "", transactionID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WarnContext(ctx, "Error releasing refund lock", "error", err)
		}
	}()

	txn, err := e.ledger.Get(ctx, transactionID)
	if err != nil {
		return e.failed(ctx, "", transactionID, err)
	}
	gw := txn.Gateway.String()

	if err := e.eligible(txn); err != nil {
		return e.failed(ctx, gw, transactionID, err)
	}
	reference := txn.GatewayReference()
	if detected, err := e.router.Detect(reference); err != nil {
		return e.failed(ctx, gw, transactionID, err)
	} else if detected != txn.Gateway {
		return e.failed(ctx, gw, transactionID, apperr.Newf(apperr.Internal, apperr.CodeUnrecognizedPaymentID,
			"payment id %s routes to %s but the transaction belongs to %s", reference, detected, txn.Gateway))
	}

	prior, err := e.router.ListRefunds(ctx, reference).Unwrap()
	if err != nil {
		return e.failed(ctx, gw, transactionID, err)
	}
	history := records(txn.ID, prior)
	remaining := Remainder(txn.Amount, history)

	requested, err := e.amount(txn, remaining, amount)
	if err != nil {
		return e.failed(ctx, gw, transactionID, err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("refund-%s-%d", txn.ID, len(history))
	}
	notes := map[string]string{"transaction_id": txn.ID.String()}
	for k, v := range req.Notes {
		notes[k] = v
	}

	e.logger.InfoContext(ctx, "Requesting refund", "gateway", gw, "amount", requested.String(), "remaining", remaining.String())
	refunded, err := e.router.Refund(ctx, reference, gateway.RefundRequest{
		Amount:         requested,
		Currency:       txn.Currency,
		Reason:         req.Reason,
		IdempotencyKey: key,
		Notes:          notes,
	}).Unwrap()
	if err != nil {
		return e.failed(ctx, gw, transactionID, err)
	}
	if refunded.Amount.IsZero() {
		refunded.Amount = requested
	}

	total := txn.Amount.Sub(remaining).Add(refunded.Amount)
	result := Result{
		Refund:        refunded,
		RefundedTotal: total,
		Remaining:     txn.Amount.Sub(total),
	}
	settled := refunded.Status == model.RefundStatusProcessed && !result.Remaining.IsPositive()

	err = e.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.Transactions().GetByIDForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		if settled {
			applied, err := e.ledger.Apply(ctx, tx, locked, ledger.Change{To: model.StatusRefunded, Source: "refund:" + refunded.RefundID})
			if err != nil {
				return err
			}
			result.Refunded = applied.Applied() || locked.Status == model.StatusRefunded
		}
		result.Transaction = locked
		return ledger.Audit(ctx, tx, model.EntityTransaction, txn.ID.String(), "refund", "success", map[string]string{
			"refundId":      refunded.RefundID,
			"amount":        refunded.Amount.String(),
			"status":        string(refunded.Status),
			"refundedTotal": total.String(),
			"full":          fmt.Sprint(amount == nil),
		}, e.now())
	})
	if err != nil {
		// The gateway already accepted the refund; the webhook for it will settle the
		// transaction status.
		e.logger.ErrorContext(ctx, "Error recording refund", "refundId", refunded.RefundID, "error", err)
		metrics.RecordOutcome(operation, gw, metrics.OutcomeFailure)
		return outcome.Fail[Result](err)
	}

	e.notify(ctx, result)
	e.logger.InfoContext(ctx, "Refund accepted", "refundId", refunded.RefundID, "status", refunded.Status,
		"refundedTotal", total.String(), "refunded", result.Refunded)
	metrics.RecordOutcome(operation, gw, metrics.OutcomeSuccess)
	return outcome.Ok(result)
}

func (e *Engine) eligible(txn *model.Transaction) error {
	if txn.Status != model.StatusCompleted {
		return apperr.Newf(apperr.Validation, apperr.CodeRefundNotCompleted,
			"transaction %s is %s, only COMPLETED transactions can be refunded", txn.ID, txn.Status)
	}
	if e.now().After(txn.CreatedAt.Add(e.settings.Window)) {
		return apperr.Newf(apperr.Validation, apperr.CodeRefundWindowExpired,
			"transaction %s is older than the %d day refund window", txn.ID, int(e.settings.Window.Hours()/24))
	}
	if txn.GatewayReference() == "" {
		return apperr.Newf(apperr.Validation, apperr.CodeRefundNotCompleted,
			"transaction %s has no gateway payment reference", txn.ID)
	}
	return nil
}

// amount resolves the amount to refund. A nil requested amount means everything
// that remains.
func (e *Engine) amount(txn *model.Transaction, remaining decimal.Decimal, requested *decimal.Decimal) (decimal.Decimal, error) {
	value := remaining
	if requested != nil {
		value = *requested
		if !value.IsPositive() {
			return decimal.Zero, apperr.Newf(apperr.Validation, apperr.CodeInvalidAmount,
				"refund amount must be positive, got %s", value)
		}
		if !model.ValidPrecision(value, txn.Currency) {
			return decimal.Zero, apperr.Newf(apperr.Validation, apperr.CodeInvalidAmount,
				"refund amount %s has too many decimal places for %s", value, txn.Currency)
		}
	}
	if !value.IsPositive() || value.GreaterThan(remaining) {
		return decimal.Zero, apperr.Newf(apperr.Validation, apperr.CodeExceedsRefundable,
			"refund of %s exceeds refundable amount %s", value, remaining)
	}
	if value.LessThan(e.settings.MinAmount) {
		return decimal.Zero, apperr.Newf(apperr.Validation, apperr.CodeBelowMinimumRefund,
			"refund of %s is below the minimum of %s", value, e.settings.MinAmount)
	}
	return value, nil
}

func (e *Engine) failed(ctx context.Context, gw string, transactionID uuid.UUID, err error) outcome.Outcome[Result] {
	e.logger.WarnContext(ctx, "Refund failed", "category", apperr.CategoryOf(err), "error", err)

	auditErr := e.ledger.Store().InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx storage.Tx) error {
		return ledger.Audit(ctx, tx, model.EntityTransaction, transactionID.String(), "refund", "failed", map[string]string{
			"category": string(apperr.CategoryOf(err)),
			"code":     apperr.CodeOf(err),
		}, e.now())
	})
	if auditErr != nil {
		e.logger.ErrorContext(ctx, "Error auditing failed refund", "error", auditErr)
	}

	if apperr.CategoryOf(err) == apperr.Validation {
		metrics.RecordOutcome(operation, gw, metrics.OutcomeRejected)
	} else {
		metrics.RecordOutcome(operation, gw, metrics.OutcomeFailure)
	}
	return outcome.Fail[Result](err)
}

func (e *Engine) notify(ctx context.Context, result Result) {
	if e.emitter == nil || result.Transaction == nil {
		return
	}
	txn := result.Transaction
	msg := events.NewMessage(e.settings.Topic, "refund."+string(result.Refund.Status), txn.Gateway, txn.ID.String(), e.now()).
		With("userId", txn.UserID).
		With("transactionId", txn.ID.String()).
		With("refundId", result.Refund.RefundID).
		With("amount", result.Refund.Amount.String()).
		With("currency", txn.Currency).
		With("refundedTotal", result.RefundedTotal.String())
	e.emitter.Emit(ctx, msg)
}

func records(transactionID uuid.UUID, refunds []gateway.RefundResult) []model.RefundRecord {
	result := make([]model.RefundRecord, 0, len(refunds))
	for _, r := range refunds {
		result = append(result, model.RefundRecord{
			ID:            r.RefundID,
			TransactionID: transactionID,
			Amount:        r.Amount,
			Status:        r.Status,
			CreatedAt:     r.CreatedAt,
		})
	}
	return result
}
