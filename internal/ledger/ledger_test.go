package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/apperr"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/storage"
	"payment-service/internal/storage/memory"
)

func newLedger() *Ledger {
	return New(memory.NewStore(), logging.Discard())
}

func draft() Draft {
	return Draft{
		UserID:        "user-1",
		Amount:        decimal.RequireFromString("1000.00"),
		Currency:      "inr",
		Gateway:       model.GatewayRazorpay,
		PaymentMethod: "upi",
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	txn, err := l.Create(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Equal(t, "INR", txn.Currency)
	assert.Len(t, txn.ReceiptNumber, 25)

	found, err := l.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, found.Amount.Equal(decimal.RequireFromString("1000")))
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Draft)
		code   string
	}{
		{"zero amount", func(d *Draft) { d.Amount = decimal.Zero }, apperr.CodeInvalidAmount},
		{"negative amount", func(d *Draft) { d.Amount = decimal.NewFromInt(-5) }, apperr.CodeInvalidAmount},
		{"too precise", func(d *Draft) { d.Amount = decimal.RequireFromString("10.001") }, apperr.CodeInvalidAmount},
		{"missing user", func(d *Draft) { d.UserID = "" }, apperr.CodeInvalidRequest},
		{"bad currency", func(d *Draft) { d.Currency = "RUPEE" }, apperr.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draft()
			tt.mutate(&d)
			_, err := newLedger().Create(context.Background(), d)
			assert.True(t, apperr.Is(err, tt.code), "got %v", err)
			assert.Equal(t, apperr.Validation, apperr.CategoryOf(err))
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := newLedger().Get(context.Background(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.CodeTransactionNotFound))
	assert.Equal(t, apperr.NotFound, apperr.CategoryOf(err))
}

func TestTransition_AssignsGatewayIDsOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	txn, err := l.Create(ctx, draft())
	require.NoError(t, err)

	result, err := l.Transition(ctx, txn.ID, Change{To: model.StatusProcessing, GatewayOrderID: "order_1", Source: "create"})
	require.NoError(t, err)
	assert.True(t, result.Applied())
	assert.Equal(t, "order_1", *result.Transaction.GatewayOrderID)

	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusCompleted, GatewayOrderID: "order_2"})
	assert.True(t, apperr.Is(err, apperr.CodeGatewayIDAlreadyAssigned))

	result, err = l.Transition(ctx, txn.ID, Change{To: model.StatusCompleted, GatewayOrderID: "order_1", GatewayPaymentID: "pay_1"})
	require.NoError(t, err)
	assert.True(t, result.Applied())
	assert.NotNil(t, result.Transaction.ProcessedAt)

	byPayment, err := l.FindByGatewayID(ctx, model.GatewayRazorpay, "pay_1")
	require.NoError(t, err)
	byOrder, err := l.FindByGatewayID(ctx, model.GatewayRazorpay, "order_1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, byPayment.ID)
	assert.Equal(t, txn.ID, byOrder.ID)
}

func TestTransition_NoopStaleTerminal(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	txn, err := l.Create(ctx, draft())
	require.NoError(t, err)

	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusProcessing})
	require.NoError(t, err)
	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusCompleted})
	require.NoError(t, err)

	result, err := l.Transition(ctx, txn.ID, Change{To: model.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.TransitionNoop, result.Kind)

	result, err = l.Transition(ctx, txn.ID, Change{To: model.StatusAuthorized})
	require.NoError(t, err)
	assert.Equal(t, model.TransitionStale, result.Kind)

	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusFailed})
	assert.True(t, apperr.Is(err, apperr.CodeIllegalTransition))

	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusRefunded})
	require.NoError(t, err)

	for _, to := range []model.Status{model.StatusCompleted, model.StatusProcessing, model.StatusFailed} {
		_, err = l.Transition(ctx, txn.ID, Change{To: to})
		assert.True(t, apperr.Is(err, apperr.CodeTerminalState), "to %s", to)
	}

	found, err := l.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, found.Status)
}

func TestTransition_FailureFieldsAndAudit(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	txn, err := l.Create(ctx, draft())
	require.NoError(t, err)

	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusFailed, FailureReason: "card declined", FailureCode: "BAD_REQUEST_ERROR", Source: "webhook:payment.failed"})
	require.NoError(t, err)

	found, err := l.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "card declined", *found.FailureReason)
	assert.Equal(t, "BAD_REQUEST_ERROR", *found.FailureCode)

	var entries []*model.AuditEntry
	require.NoError(t, l.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		entries, err = tx.Audit().ListByEntity(ctx, model.EntityTransaction, txn.ID.String())
		return err
	}))
	require.Len(t, entries, 2)
	assert.Equal(t, "create", entries[0].Action)
	assert.Equal(t, "FAILED", entries[1].Details["to"])
}

func TestResolve_PaymentIDThenOrderID(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	txn, err := l.Create(ctx, draft())
	require.NoError(t, err)
	_, err = l.Transition(ctx, txn.ID, Change{To: model.StatusProcessing, GatewayOrderID: "order_9"})
	require.NoError(t, err)

	require.NoError(t, l.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		found, err := l.Resolve(ctx, tx, model.GatewayRazorpay, "pay_unknown", "order_9")
		require.NoError(t, err)
		assert.Equal(t, txn.ID, found.ID)

		_, err = l.Resolve(ctx, tx, model.GatewayRazorpay, "pay_unknown", "order_unknown")
		assert.True(t, apperr.Is(err, apperr.CodeTransactionNotFound))

		_, err = l.Resolve(ctx, tx, model.GatewayStripe, "", "order_9")
		assert.True(t, apperr.Is(err, apperr.CodeTransactionNotFound))
		return nil
	}))
}

func TestListByUser(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLedger().WithClock(func() time.Time { return now })

	_, err := l.Create(ctx, draft())
	require.NoError(t, err)
	other := draft()
	other.UserID = "user-2"
	_, err = l.Create(ctx, other)
	require.NoError(t, err)

	found, err := l.ListByUser(ctx, "user-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = l.ListByUser(ctx, "user-1", now.Add(time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, found)
}
