package webhook

import (
	"context"
	"log/slog"
	"time"

	"payment-service/internal/ledger"
	"payment-service/internal/model"
	"payment-service/internal/storage"
)

// dispatcher applies one event to the ledger inside the webhook's unit of work.
type dispatcher struct {
	ctx    context.Context
	tx     storage.Tx
	ledger *ledger.Ledger
	logger *slog.Logger
	record *model.WebhookRecord
	now    time.Time

	transaction *model.Transaction
	transition  string
}

func newDispatcher(ctx context.Context, tx storage.Tx, l *ledger.Ledger, logger *slog.Logger, record *model.WebhookRecord, now time.Time) *dispatcher {
	return &dispatcher{ctx: ctx, tx: tx, ledger: l, logger: logger, record: record, now: now, transition: TransitionNone}
}

func (d *dispatcher) PaymentSucceeded(e PaymentSucceeded) error {
	return d.advance(e.Ref, ledger.Change{To: model.StatusCompleted})
}

func (d *dispatcher) PaymentCaptured(e PaymentCaptured) error {
	return d.advance(e.Ref, ledger.Change{To: model.StatusCompleted})
}

func (d *dispatcher) PaymentAuthorized(e PaymentAuthorized) error {
	return d.advance(e.Ref, ledger.Change{To: model.StatusAuthorized})
}

func (d *dispatcher) PaymentFailed(e PaymentFailed) error {
	return d.advance(e.Ref, ledger.Change{
		To:            model.StatusFailed,
		FailureCode:   e.FailureCode,
		FailureReason: e.FailureReason,
	})
}

// RefundProcessed refunds the transaction once the gateway reports the whole
// amount refunded. Partial refunds are audited and leave the status alone.
func (d *dispatcher) RefundProcessed(e RefundProcessed) error {
	if e.RefundedTotal != nil {
		txn, err := d.ledger.Resolve(d.ctx, d.tx, e.Gateway, e.PaymentID, e.OrderID)
		if err != nil {
			return err
		}
		if e.RefundedTotal.LessThan(txn.Amount) {
			d.transaction = txn
			d.logger.InfoContext(d.ctx, "Partial refund reported", "transactionId", txn.ID, "refundId", e.RefundID,
				"refundedTotal", e.RefundedTotal.String(), "amount", txn.Amount.String())
			return ledger.Audit(d.ctx, d.tx, model.EntityTransaction, txn.ID.String(), "refund", "partial", map[string]string{
				"refundId":      e.RefundID,
				"amount":        e.Amount.String(),
				"refundedTotal": e.RefundedTotal.String(),
				"source":        source(e.Ref),
			}, d.now)
		}
	}
	return d.advance(e.Ref, ledger.Change{To: model.StatusRefunded})
}

// RefundFailed raises an alert for operators; the transaction is never reversed
// automatically.
func (d *dispatcher) RefundFailed(e RefundFailed) error {
	d.logger.ErrorContext(d.ctx, "Gateway reported a failed refund", "gateway", e.Gateway, "refundId", e.RefundID,
		"paymentId", e.PaymentID, "amount", e.Amount.String(), "reason", e.Reason)
	return ledger.Audit(d.ctx, d.tx, model.EntityWebhook, d.record.ID.String(), "refund_failed", "alert", map[string]string{
		"refundId":  e.RefundID,
		"paymentId": e.PaymentID,
		"amount":    e.Amount.String(),
		"reason":    e.Reason,
	}, d.now)
}

func (d *dispatcher) Unknown(e Unknown) error {
	d.logger.InfoContext(d.ctx, "Ignoring unhandled webhook event", "gateway", e.Gateway, "eventType", e.EventType)
	return nil
}

// advance resolves the transaction and moves it to change.To. A payment the
// gateway confirms while still PENDING locally passes through PROCESSING first.
func (d *dispatcher) advance(ref Ref, change ledger.Change) error {
	txn, err := d.ledger.Resolve(d.ctx, d.tx, ref.Gateway, ref.PaymentID, ref.OrderID)
	if err != nil {
		return err
	}
	d.transaction = txn

	change.GatewayOrderID = ref.OrderID
	change.GatewayPaymentID = ref.PaymentID
	change.Source = source(ref)

	if txn.Status == model.StatusPending && (change.To == model.StatusAuthorized || change.To == model.StatusCompleted) {
		step := change
		step.To = model.StatusProcessing
		if _, err := d.ledger.Apply(d.ctx, d.tx, txn, step); err != nil {
			return err
		}
	}

	result, err := d.ledger.Apply(d.ctx, d.tx, txn, change)
	if err != nil {
		return err
	}
	d.transition = result.Kind.String()
	return nil
}

func source(ref Ref) string {
	return "webhook:" + ref.EventType
}
