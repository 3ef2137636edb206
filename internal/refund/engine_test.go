package refund

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/apperr"
	"payment-service/internal/events"
	"payment-service/internal/gateway"
	"payment-service/internal/gateway/gatewaytest"
	"payment-service/internal/gateway/resilience"
	"payment-service/internal/ledger"
	"payment-service/internal/lock"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/storage"
	"payment-service/internal/storage/memory"
)

type recordingEmitter struct {
	mu       sync.Mutex
	messages []events.Message
}

func (r *recordingEmitter) Emit(_ context.Context, msg events.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

type fixture struct {
	ledger  *ledger.Ledger
	adapter *gatewaytest.Adapter
	locker  *lock.MemoryLocker
	emitter *recordingEmitter
	engine  *Engine
}

func newFixture() *fixture {
	logger := logging.Discard()
	f := &fixture{
		ledger:  ledger.New(memory.NewStore(), logger),
		adapter: gatewaytest.New(model.GatewayStripe, true),
		locker:  lock.NewMemoryLocker(),
		emitter: &recordingEmitter{},
	}
	router := gateway.NewRouter(gateway.DefaultDetector(), logger).
		Register(f.adapter, resilience.New(resilience.Settings{Name: "STRIPE", BackoffBase: time.Millisecond}, logger))
	f.engine = NewEngine(f.ledger, router, f.locker, f.emitter, Settings{
		MinAmount: decimal.RequireFromString("1.00"),
		Topic:     "notifications",
	}, logger)
	return f
}

// completed creates a COMPLETED 1000.00 INR transaction known to the gateway as paymentID.
func (f *fixture) completed(t *testing.T, paymentID string) *model.Transaction {
	ctx := context.Background()
	amount := decimal.RequireFromString("1000.00")
	txn, err := f.ledger.Create(ctx, ledger.Draft{UserID: "user-1", Amount: amount, Currency: "INR", Gateway: model.GatewayStripe})
	require.NoError(t, err)
	for _, to := range []model.Status{model.StatusProcessing, model.StatusCompleted} {
		_, err = f.ledger.Transition(ctx, txn.ID, ledger.Change{To: to, GatewayPaymentID: paymentID, Source: "test"})
		require.NoError(t, err)
	}
	f.adapter.SetPayment(gateway.PaymentResult{PaymentID: paymentID, Status: gateway.PaymentCaptured, Amount: amount, Currency: "INR"})
	return txn
}

func (f *fixture) status(t *testing.T, id uuid.UUID) model.Status {
	txn, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return txn.Status
}

func TestPartialRefund_ThenExceedsRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_1")

	first := f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("400.00"), Request{Reason: "requested_by_customer"})
	require.True(t, first.IsOk(), "%v", first.Err())
	assert.True(t, first.Value().RefundedTotal.Equal(decimal.RequireFromString("400.00")))
	assert.True(t, first.Value().Remaining.Equal(decimal.RequireFromString("600.00")))
	assert.False(t, first.Value().Refunded)
	assert.Equal(t, model.StatusCompleted, f.status(t, txn.ID))

	second := f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("700.00"), Request{})
	assert.True(t, apperr.Is(second.Err(), apperr.CodeExceedsRefundable))
	assert.Equal(t, apperr.Validation, apperr.CategoryOf(second.Err()))
	assert.Equal(t, 1, f.adapter.Calls("refund"))
}

func TestPartialRefund_ExhaustingRemainderRefundsTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_2")

	require.True(t, f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("400.00"), Request{}).IsOk())
	last := f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("600.00"), Request{})

	require.True(t, last.IsOk(), "%v", last.Err())
	assert.True(t, last.Value().Refunded)
	assert.Equal(t, model.StatusRefunded, f.status(t, txn.ID))
}

func TestFullRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_3")
	f.adapter.AddRefund("pi_3", gateway.RefundResult{RefundID: "re_old", Amount: decimal.RequireFromString("250.00"), Status: model.RefundStatusProcessed})
	f.adapter.AddRefund("pi_3", gateway.RefundResult{RefundID: "re_bad", Amount: decimal.RequireFromString("300.00"), Status: model.RefundStatusFailed})

	result := f.engine.FullRefund(ctx, txn.ID, Request{})

	require.True(t, result.IsOk(), "%v", result.Err())
	assert.True(t, result.Value().Refund.Amount.Equal(decimal.RequireFromString("750.00")))
	assert.True(t, result.Value().Refunded)
	assert.Equal(t, model.StatusRefunded, f.status(t, txn.ID))

	require.Len(t, f.emitter.messages, 1)
	msg := f.emitter.messages[0]
	assert.Equal(t, "notifications", msg.Topic)
	assert.Equal(t, "refund.PROCESSED", msg.Payload["eventType"])
	assert.Equal(t, "user-1", msg.Payload["userId"])
	assert.Equal(t, "1000", msg.Payload["refundedTotal"])

	again := f.engine.FullRefund(ctx, txn.ID, Request{})
	assert.True(t, apperr.Is(again.Err(), apperr.CodeRefundNotCompleted))
}

func TestFullRefund_PendingAtGatewayKeepsCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.adapter.RefundState = model.RefundStatusPending
	txn := f.completed(t, "pi_4")

	result := f.engine.FullRefund(ctx, txn.ID, Request{})

	require.True(t, result.IsOk())
	assert.False(t, result.Value().Refunded)
	assert.Equal(t, model.StatusCompleted, f.status(t, txn.ID))

	remaining := f.engine.Refundable(ctx, txn.ID)
	require.True(t, remaining.IsOk())
	assert.True(t, remaining.Value().IsZero())
}

func TestEligibility(t *testing.T) {
	ctx := context.Background()

	t.Run("not completed", func(t *testing.T) {
		f := newFixture()
		txn, err := f.ledger.Create(ctx, ledger.Draft{UserID: "u", Amount: decimal.NewFromInt(10), Currency: "INR", Gateway: model.GatewayStripe})
		require.NoError(t, err)

		result := f.engine.FullRefund(ctx, txn.ID, Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeRefundNotCompleted))
		assert.Zero(t, f.adapter.Calls("list_refunds"))
	})

	t.Run("window expired", func(t *testing.T) {
		f := newFixture()
		txn := f.completed(t, "pi_5")
		f.engine.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }

		result := f.engine.PartialRefund(ctx, txn.ID, decimal.NewFromInt(10), Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeRefundWindowExpired))
	})

	t.Run("below minimum", func(t *testing.T) {
		f := newFixture()
		txn := f.completed(t, "pi_6")

		result := f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("0.50"), Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeBelowMinimumRefund))
	})

	t.Run("non positive", func(t *testing.T) {
		f := newFixture()
		txn := f.completed(t, "pi_7")

		result := f.engine.PartialRefund(ctx, txn.ID, decimal.Zero, Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeInvalidAmount))
	})

	t.Run("too precise", func(t *testing.T) {
		f := newFixture()
		txn := f.completed(t, "pi_8")

		result := f.engine.PartialRefund(ctx, txn.ID, decimal.RequireFromString("10.005"), Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeInvalidAmount))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture()

		result := f.engine.FullRefund(ctx, uuid.New(), Request{})
		assert.True(t, apperr.Is(result.Err(), apperr.CodeTransactionNotFound))
	})
}

func TestRefund_InProgressIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_9")

	lease, err := f.locker.Acquire(ctx, "refund:"+txn.ID.String(), time.Minute)
	require.NoError(t, err)

	result := f.engine.FullRefund(ctx, txn.ID, Request{})
	assert.True(t, apperr.Is(result.Err(), apperr.CodeRefundInProgress))
	assert.Equal(t, apperr.Conflict, apperr.CategoryOf(result.Err()))

	require.NoError(t, lease.Release(ctx))
	assert.True(t, f.engine.FullRefund(ctx, txn.ID, Request{}).IsOk())
}

func TestRefund_GatewayRejectionIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_10")
	f.adapter.FailNext("refund", apperr.New(apperr.Rejected, apperr.CodeGatewayRejected, "charge already refunded"))

	result := f.engine.PartialRefund(ctx, txn.ID, decimal.NewFromInt(100), Request{IdempotencyKey: "key-1"})

	assert.True(t, apperr.Is(result.Err(), apperr.CodeGatewayRejected))
	assert.Equal(t, model.StatusCompleted, f.status(t, txn.ID))
	assert.Empty(t, f.emitter.messages)

	var failed int
	require.NoError(t, f.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		entries, err := tx.Audit().ListByEntity(ctx, model.EntityTransaction, txn.ID.String())
		for _, e := range entries {
			if e.Action == "refund" && e.Outcome == "failed" {
				failed++
				assert.Equal(t, apperr.CodeGatewayRejected, e.Details["code"])
			}
		}
		return err
	}))
	assert.Equal(t, 1, failed)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.completed(t, "pi_11")
	require.True(t, f.engine.PartialRefund(ctx, txn.ID, decimal.NewFromInt(100), Request{}).IsOk())

	history := f.engine.History(ctx, txn.ID)

	require.True(t, history.IsOk())
	require.Len(t, history.Value(), 1)
	assert.Equal(t, txn.ID, history.Value()[0].TransactionID)
	assert.NoError(t, CheckBound(*txn, history.Value()))
}
