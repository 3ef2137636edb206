package payment

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
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/storage/memory"
)

type recordingActivator struct {
	mu           sync.Mutex
	transactions []model.Transaction
}

func (r *recordingActivator) Trigger(_ context.Context, txn model.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions = append(r.transactions, txn)
}

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
	ledger    *ledger.Ledger
	stripe    *gatewaytest.Adapter
	razorpay  *gatewaytest.Adapter
	activator *recordingActivator
	emitter   *recordingEmitter
	service   *Service
}

func newFixture() *fixture {
	logger := logging.Discard()
	f := &fixture{
		ledger:    ledger.New(memory.NewStore(), logger),
		stripe:    gatewaytest.New(model.GatewayStripe, true),
		razorpay:  gatewaytest.New(model.GatewayRazorpay, false),
		activator: &recordingActivator{},
		emitter:   &recordingEmitter{},
	}
	router := gateway.NewRouter(gateway.DefaultDetector(), logger).
		Register(f.stripe, resilience.New(resilience.Settings{Name: "STRIPE"}, logger)).
		Register(f.razorpay, resilience.New(resilience.Settings{Name: "RAZORPAY"}, logger))
	f.service = NewService(f.ledger, router, f.activator, f.emitter, "payment-events", logger)
	return f
}

func request(gw model.Gateway) CreateRequest {
	return CreateRequest{
		UserID:   "user-1",
		Amount:   decimal.RequireFromString("49.99"),
		Currency: "usd",
		Gateway:  gw,
	}
}

func TestCreate_MovesToProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	created := f.service.Create(ctx, request(model.GatewayStripe))

	require.True(t, created.IsOk(), "%v", created.Err())
	txn := created.Value().Transaction
	assert.Equal(t, model.StatusProcessing, txn.Status)
	assert.Equal(t, "USD", txn.Currency)
	require.NotNil(t, txn.GatewayPaymentID)
	assert.Equal(t, "pi_1", *txn.GatewayPaymentID)
	assert.Nil(t, txn.GatewayOrderID)
}

func TestCreate_OrderFirstGateway(t *testing.T) {
	f := newFixture()

	created := f.service.Create(context.Background(), request(model.GatewayRazorpay))

	require.True(t, created.IsOk())
	txn := created.Value().Transaction
	require.NotNil(t, txn.GatewayOrderID)
	assert.Equal(t, "order_1", *txn.GatewayOrderID)
	assert.Equal(t, "order_1", txn.GatewayReference())
}

func TestCreate_DeclinedFailsTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.stripe.FailNext("create_payment", apperr.New(apperr.Rejected, apperr.CodeGatewayRejected, "card_declined"))

	created := f.service.Create(ctx, request(model.GatewayStripe))

	assert.True(t, apperr.Is(created.Err(), apperr.CodeGatewayRejected))
	txns, err := f.ledger.ListByUser(ctx, "user-1", yearZero, farFuture)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.StatusFailed, txns[0].Status)
	assert.Equal(t, apperr.CodeGatewayRejected, *txns[0].FailureCode)
}

func TestCreate_TransientFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.razorpay.FailNext("create_payment", apperr.New(apperr.Transient, apperr.CodeGatewayUnavailable, "connection reset"))

	created := f.service.Create(ctx, request(model.GatewayRazorpay))

	assert.Equal(t, apperr.Transient, apperr.CategoryOf(created.Err()))
	assert.Equal(t, 1, f.razorpay.Calls("create_payment"))
	txns, err := f.ledger.ListByUser(ctx, "user-1", yearZero, farFuture)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.StatusPending, txns[0].Status)
}

func TestCreate_InvalidRequest(t *testing.T) {
	f := newFixture()

	tests := map[string]func(*CreateRequest){
		"missing user":    func(r *CreateRequest) { r.UserID = "" },
		"bad currency":    func(r *CreateRequest) { r.Currency = "RUPEE" },
		"unknown gateway": func(r *CreateRequest) { r.Gateway = "PAYPAL" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := request(model.GatewayStripe)
			mutate(&req)
			assert.True(t, apperr.Is(f.service.Create(context.Background(), req).Err(), apperr.CodeInvalidRequest))
		})
	}

	req := request(model.GatewayStripe)
	req.Amount = decimal.RequireFromString("-1")
	assert.True(t, apperr.Is(f.service.Create(context.Background(), req).Err(), apperr.CodeInvalidAmount))
	assert.Zero(t, f.stripe.Calls("create_payment"))
}

func TestConfirmAndCapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	subscriptionID := uuid.New()
	req := request(model.GatewayStripe)
	req.SubscriptionID = &subscriptionID
	txn := f.service.Create(ctx, req).Value().Transaction

	confirmed := f.service.Confirm(ctx, txn.ID, "pm_card_visa")
	require.True(t, confirmed.IsOk(), "%v", confirmed.Err())
	assert.Equal(t, model.StatusAuthorized, confirmed.Value().Status)
	assert.Empty(t, f.activator.transactions)

	captured := f.service.Capture(ctx, txn.ID)
	require.True(t, captured.IsOk(), "%v", captured.Err())
	assert.Equal(t, model.StatusCompleted, captured.Value().Status)
	assert.NotNil(t, captured.Value().ProcessedAt)

	again := f.service.Capture(ctx, txn.ID)
	require.True(t, again.IsOk())
	require.Len(t, f.activator.transactions, 1)
	assert.Equal(t, txn.ID, f.activator.transactions[0].ID)

	require.Len(t, f.emitter.messages, 2)
	assert.Equal(t, "payment.authorized", f.emitter.messages[0].Payload["eventType"])
	completed := f.emitter.messages[1]
	assert.Equal(t, "payment-events", completed.Topic)
	assert.Equal(t, txn.ID.String(), completed.Key)
	assert.Equal(t, "payment.completed", completed.Payload["eventType"])
	assert.Equal(t, "capture_payment", completed.Payload["operation"])
	assert.Equal(t, "STRIPE", completed.Payload["gateway"])
	assert.Equal(t, "49.99", completed.Payload["amount"])
}

func TestReconcile_AppliesGatewayFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn := f.service.Create(ctx, request(model.GatewayStripe)).Value().Transaction
	f.stripe.SetPayment(gateway.PaymentResult{
		PaymentID:     "pi_1",
		Status:        gateway.PaymentFailed,
		FailureCode:   "card_declined",
		FailureReason: "Your card was declined.",
	})

	reconciled := f.service.Reconcile(ctx, txn.ID)

	require.True(t, reconciled.IsOk())
	assert.Equal(t, model.StatusFailed, reconciled.Value().Status)
	assert.Equal(t, "card_declined", *reconciled.Value().FailureCode)
	require.Len(t, f.emitter.messages, 1)
	assert.Equal(t, "payment.failed", f.emitter.messages[0].Payload["eventType"])
	assert.Equal(t, "card_declined", f.emitter.messages[0].Payload["failureCode"])

	capture := f.service.Capture(ctx, txn.ID)
	assert.True(t, apperr.Is(capture.Err(), apperr.CodeTerminalState))
}

func TestConfirm_RequiresGatewayPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	txn, err := f.ledger.Create(ctx, ledger.Draft{UserID: "u", Amount: decimal.NewFromInt(5), Currency: "USD", Gateway: model.GatewayStripe})
	require.NoError(t, err)

	result := f.service.Confirm(ctx, txn.ID, "pm_1")

	assert.Equal(t, apperr.Conflict, apperr.CategoryOf(result.Err()))
	assert.Zero(t, f.stripe.Calls("confirm_payment"))

	missing := f.service.Get(ctx, uuid.New())
	assert.True(t, apperr.Is(missing.Err(), apperr.CodeTransactionNotFound))
}

var (
	yearZero  = time.Time{}
	farFuture = time.Now().AddDate(1, 0, 0)
)
