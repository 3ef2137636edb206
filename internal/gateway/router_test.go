package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/apperr"
	"payment-service/internal/gateway"
	"payment-service/internal/gateway/gatewaytest"
	"payment-service/internal/gateway/resilience"
	"payment-service/internal/logging"
	"payment-service/internal/model"
)

func executor(name string) *resilience.Executor {
	return resilience.New(resilience.Settings{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         time.Second,
		MaxRetries:       2,
		BackoffBase:      time.Millisecond,
		BackoffCap:       2 * time.Millisecond,
	}, logging.Discard())
}

func newRouter() (*gateway.Router, *gatewaytest.Adapter, *gatewaytest.Adapter) {
	razorpay := gatewaytest.New(model.GatewayRazorpay, false)
	stripe := gatewaytest.New(model.GatewayStripe, true)
	router := gateway.NewRouter(gateway.DefaultDetector(), logging.Discard()).
		Register(razorpay, executor("RAZORPAY")).
		Register(stripe, executor("STRIPE"))
	return router, razorpay, stripe
}

func transient() error {
	return apperr.New(apperr.Transient, apperr.CodeGatewayUnavailable, "connection reset")
}

func TestRouter_RoutesByPaymentID(t *testing.T) {
	router, razorpay, stripe := newRouter()
	razorpay.SetPayment(gateway.PaymentResult{PaymentID: "pay_1", Status: gateway.PaymentCaptured})
	stripe.SetPayment(gateway.PaymentResult{PaymentID: "pi_1", Status: gateway.PaymentAuthorized})

	rzp := router.Retrieve(context.Background(), "pay_1")
	require.True(t, rzp.IsOk())
	assert.Equal(t, model.GatewayRazorpay, rzp.Value().Gateway)

	str := router.Retrieve(context.Background(), "pi_1")
	require.True(t, str.IsOk())
	assert.Equal(t, gateway.PaymentAuthorized, str.Value().Status)

	assert.Equal(t, 1, razorpay.Calls("retrieve"))
	assert.Equal(t, 1, stripe.Calls("retrieve"))
}

func TestRouter_UnrecognizedPaymentID(t *testing.T) {
	router, razorpay, stripe := newRouter()

	result := router.Retrieve(context.Background(), "txn_42")

	assert.False(t, result.IsOk())
	assert.True(t, apperr.Is(result.Err(), apperr.CodeUnrecognizedPaymentID))
	assert.Zero(t, razorpay.Calls("retrieve")+stripe.Calls("retrieve"))
}

func TestRouter_UnregisteredGateway(t *testing.T) {
	stripe := gatewaytest.New(model.GatewayStripe, true)
	router := gateway.NewRouter(gateway.DefaultDetector(), logging.Discard()).Register(stripe, executor("STRIPE"))

	result := router.Retrieve(context.Background(), "pay_1")
	assert.True(t, apperr.Is(result.Err(), apperr.CodeUnsupportedGateway))

	created := router.CreatePayment(context.Background(), gateway.PaymentRequest{Gateway: model.GatewayRazorpay})
	assert.Equal(t, apperr.Configuration, apperr.CategoryOf(created.Err()))

	assert.Equal(t, []model.Gateway{model.GatewayStripe}, router.Gateways())
}

func TestRouter_CreateRetriedOnlyWithHonouredKey(t *testing.T) {
	router, razorpay, stripe := newRouter()
	ctx := context.Background()
	req := gateway.PaymentRequest{Amount: decimal.NewFromInt(10), Currency: "USD", IdempotencyKey: "key-1"}

	stripe.FailNext("create_payment", transient())
	req.Gateway = model.GatewayStripe
	result := router.CreatePayment(ctx, req)
	require.True(t, result.IsOk())
	assert.Equal(t, 2, stripe.Calls("create_payment"))

	razorpay.FailNext("create_payment", transient())
	req.Gateway = model.GatewayRazorpay
	result = router.CreatePayment(ctx, req)
	assert.True(t, apperr.IsRetryable(result.Err()))
	assert.Equal(t, 1, razorpay.Calls("create_payment"))

	stripe.FailNext("create_payment", transient())
	req.Gateway = model.GatewayStripe
	req.IdempotencyKey = ""
	result = router.CreatePayment(ctx, req)
	assert.False(t, result.IsOk())
	assert.Equal(t, 3, stripe.Calls("create_payment"))
}

func TestRouter_CaptureNeverRetried(t *testing.T) {
	router, _, stripe := newRouter()
	stripe.SetPayment(gateway.PaymentResult{PaymentID: "pi_1", Status: gateway.PaymentAuthorized})
	stripe.FailNext("capture_payment", transient())

	result := router.CapturePayment(context.Background(), "pi_1")

	assert.False(t, result.IsOk())
	assert.Equal(t, 1, stripe.Calls("capture_payment"))
}

func TestRouter_RefundAsyncYieldsOneOutcome(t *testing.T) {
	router, _, stripe := newRouter()
	stripe.SetPayment(gateway.PaymentResult{PaymentID: "pi_1", Amount: decimal.NewFromInt(100), Currency: "USD"})

	results := router.RefundAsync(context.Background(), "pi_1", gateway.RefundRequest{Amount: decimal.NewFromInt(40), Currency: "USD"})

	first, ok := <-results
	require.True(t, ok)
	require.True(t, first.IsOk())
	assert.True(t, first.Value().Amount.Equal(decimal.NewFromInt(40)))
	_, open := <-results
	assert.False(t, open)
}

func TestRouter_VerifySignature(t *testing.T) {
	router, _, _ := newRouter()
	payload := []byte(`{"type":"payment_succeeded"}`)
	now := time.Now()

	valid := router.VerifySignature(model.GatewayStripe, payload, gatewaytest.Sign(payload, "whsec"), "whsec", now)
	require.True(t, valid.IsOk())
	assert.True(t, valid.Value())

	invalid := router.VerifySignature(model.GatewayStripe, payload, "deadbeef", "whsec", now)
	require.True(t, invalid.IsOk())
	assert.False(t, invalid.Value())

	noSecret := router.VerifySignature(model.GatewayStripe, payload, "deadbeef", "", now)
	assert.Equal(t, apperr.Configuration, apperr.CategoryOf(noSecret.Err()))
}

func TestRouter_SubscriptionBindings(t *testing.T) {
	router, razorpay, _ := newRouter()
	ctx := context.Background()

	created := router.CreateSubscriptionBinding(ctx, model.GatewayRazorpay, gateway.SubscriptionRequest{PlanID: "plan_1"})
	require.True(t, created.IsOk())

	cancelled := router.CancelSubscriptionBinding(ctx, model.GatewayRazorpay, created.Value().ID)
	require.True(t, cancelled.IsOk())
	assert.Equal(t, created.Value().ID, cancelled.Value().ID)
	assert.Equal(t, 1, razorpay.Calls("cancel_subscription"))
}
