package gateway

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/gateway/resilience"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
)

type binding struct {
	adapter  Adapter
	executor *resilience.Executor
}

// Router exposes one operation set over every registered adapter. Outbound
// calls name their gateway; calls that only carry a gateway-native payment id
// are routed by the Detector.
type Router struct {
	bindings map[model.Gateway]binding
	detector *Detector
	logger   *slog.Logger
}

func NewRouter(detector *Detector, logger *slog.Logger) *Router {
	return &Router{
		bindings: map[model.Gateway]binding{},
		detector: detector,
		logger:   logger,
	}
}

// Register adds adapter with its own executor, replacing any adapter already
// registered for the same gateway.
func (r *Router) Register(adapter Adapter, executor *resilience.Executor) *Router {
	r.bindings[adapter.Gateway()] = binding{adapter: adapter, executor: executor}
	return r
}

func (r *Router) Gateways() []model.Gateway {
	gateways := make([]model.Gateway, 0, len(r.bindings))
	for gw := range r.bindings {
		gateways = append(gateways, gw)
	}
	sort.Slice(gateways, func(i, j int) bool { return gateways[i] < gateways[j] })
	return gateways
}

func (r *Router) Adapter(gateway model.Gateway) (Adapter, error) {
	b, err := r.binding(gateway)
	if err != nil {
		return nil, err
	}
	return b.adapter, nil
}

// Detect resolves the gateway owning a gateway-native payment id.
func (r *Router) Detect(paymentID string) (model.Gateway, error) {
	gateway, err := r.detector.Detect(paymentID)
	if err != nil {
		return "", err
	}
	if _, err := r.binding(gateway); err != nil {
		return "", err
	}
	return gateway, nil
}

// CreatePayment is retried only when it carries an idempotency key the adapter honours.
func (r *Router) CreatePayment(ctx context.Context, req PaymentRequest) outcome.Outcome[PaymentRef] {
	return invoke(ctx, r, req.Gateway, "create_payment", metrics.CategoryPayment,
		func(a Adapter) bool { return req.IdempotencyKey != "" && a.SupportsIdempotencyKeys() },
		func(ctx context.Context, a Adapter) (PaymentRef, error) { return a.CreatePayment(ctx, req) })
}

func (r *Router) ConfirmPayment(ctx context.Context, paymentID, methodID string) outcome.Outcome[PaymentResult] {
	return invokeByID(ctx, r, paymentID, "confirm_payment", metrics.CategoryPayment, never,
		func(ctx context.Context, a Adapter) (PaymentResult, error) { return a.ConfirmPayment(ctx, paymentID, methodID) })
}

func (r *Router) CapturePayment(ctx context.Context, paymentID string) outcome.Outcome[PaymentResult] {
	return invokeByID(ctx, r, paymentID, "capture_payment", metrics.CategoryPayment, never,
		func(ctx context.Context, a Adapter) (PaymentResult, error) { return a.CapturePayment(ctx, paymentID) })
}

func (r *Router) Retrieve(ctx context.Context, paymentID string) outcome.Outcome[PaymentResult] {
	return invokeByID(ctx, r, paymentID, "retrieve", metrics.CategoryPayment, always,
		func(ctx context.Context, a Adapter) (PaymentResult, error) { return a.Retrieve(ctx, paymentID) })
}

// Refund is retried only when it carries an idempotency key the adapter honours.
func (r *Router) Refund(ctx context.Context, paymentID string, req RefundRequest) outcome.Outcome[RefundResult] {
	return invokeByID(ctx, r, paymentID, "refund", metrics.CategoryRefund,
		func(a Adapter) bool { return req.IdempotencyKey != "" && a.SupportsIdempotencyKeys() },
		func(ctx context.Context, a Adapter) (RefundResult, error) { return a.Refund(ctx, paymentID, req) })
}

// RefundAsync runs Refund in the background; the channel yields exactly one outcome.
func (r *Router) RefundAsync(ctx context.Context, paymentID string, req RefundRequest) <-chan outcome.Outcome[RefundResult] {
	result := make(chan outcome.Outcome[RefundResult], 1)
	go func() {
		defer close(result)
		result <- r.Refund(ctx, paymentID, req)
	}()
	return result
}

func (r *Router) ListRefunds(ctx context.Context, paymentID string) outcome.Outcome[[]RefundResult] {
	return invokeByID(ctx, r, paymentID, "list_refunds", metrics.CategoryRefund, always,
		func(ctx context.Context, a Adapter) ([]RefundResult, error) { return a.ListRefunds(ctx, paymentID) })
}

// VerifySignature reports whether signature is valid for payload. A mismatch is a
// successful verification with a false result; only an unusable gateway fails.
func (r *Router) VerifySignature(gateway model.Gateway, payload []byte, signature, secret string, receivedAt time.Time) outcome.Outcome[bool] {
	b, err := r.binding(gateway)
	if err != nil {
		return outcome.Fail[bool](err)
	}
	if secret == "" {
		return outcome.Fail[bool](apperr.Newf(apperr.Configuration, apperr.CodeGatewayMisconfigured,
			"no webhook secret configured for %s", gateway))
	}
	if err := b.adapter.VerifySignature(payload, signature, secret, receivedAt); err != nil {
		r.logger.Warn("Webhook signature rejected", "gateway", gateway, "reason", err.Error())
		metrics.RecordOutcome("verify_signature", gateway.String(), metrics.OutcomeRejected)
		return outcome.Ok(false)
	}
	metrics.RecordOutcome("verify_signature", gateway.String(), metrics.OutcomeSuccess)
	return outcome.Ok(true)
}

func (r *Router) CreateCustomer(ctx context.Context, gateway model.Gateway, req CustomerRequest) outcome.Outcome[Customer] {
	return invoke(ctx, r, gateway, "create_customer", "",
		func(a Adapter) bool { return req.IdempotencyKey != "" && a.SupportsIdempotencyKeys() },
		func(ctx context.Context, a Adapter) (Customer, error) { return a.CreateCustomer(ctx, req) })
}

func (r *Router) CreateSubscriptionBinding(ctx context.Context, gateway model.Gateway, req SubscriptionRequest) outcome.Outcome[SubscriptionBinding] {
	return invoke(ctx, r, gateway, "create_subscription", "",
		func(a Adapter) bool { return req.IdempotencyKey != "" && a.SupportsIdempotencyKeys() },
		func(ctx context.Context, a Adapter) (SubscriptionBinding, error) { return a.CreateSubscription(ctx, req) })
}

// CancelSubscriptionBinding takes the gateway explicitly: subscription ids are not
// distinguishable by prefix across providers.
func (r *Router) CancelSubscriptionBinding(ctx context.Context, gateway model.Gateway, subscriptionID string) outcome.Outcome[SubscriptionBinding] {
	return invoke(ctx, r, gateway, "cancel_subscription", "", never,
		func(ctx context.Context, a Adapter) (SubscriptionBinding, error) {
			return a.CancelSubscription(ctx, subscriptionID)
		})
}

func (r *Router) binding(gateway model.Gateway) (binding, error) {
	b, ok := r.bindings[gateway]
	if !ok {
		return binding{}, apperr.Newf(apperr.Configuration, apperr.CodeUnsupportedGateway,
			"gateway %q is not configured", gateway)
	}
	return b, nil
}

func always(Adapter) bool { return true }
func never(Adapter) bool { return false }

func invokeByID[T any](ctx context.Context, r *Router, paymentID, operation, category string, retryable func(Adapter) bool, call func(context.Context, Adapter) (T, error)) outcome.Outcome[T] {
	gateway, err := r.Detect(paymentID)
	if err != nil {
		metrics.RecordOutcome(operation, "", metrics.OutcomeRejected)
		return outcome.Fail[T](err)
	}
	return invoke(ctx, r, gateway, operation, category, retryable, call)
}

func invoke[T any](ctx context.Context, r *Router, gateway model.Gateway, operation, category string, retryable func(Adapter) bool, call func(context.Context, Adapter) (T, error)) outcome.Outcome[T] {
	b, err := r.binding(gateway)
	if err != nil {
		metrics.RecordOutcome(operation, gateway.String(), metrics.OutcomeRejected)
		return outcome.Fail[T](err)
	}

	start := time.Now()
	value, err := resilience.Do(ctx, b.executor, operation, retryable(b.adapter), func(ctx context.Context) (T, error) {
		return call(ctx, b.adapter)
	})
	if category != "" {
		metrics.ObserveDuration(category, start)
	}

	return outcome.From(value, err).
		OnSuccess(func(T) {
			metrics.RecordOutcome(operation, gateway.String(), metrics.OutcomeSuccess)
		}).
		OnFailure(func(err error) {
			metrics.RecordOutcome(operation, gateway.String(), metrics.OutcomeFailure)
			r.logger.WarnContext(ctx, "Gateway operation failed", "gateway", gateway, "operation", operation,
				"category", apperr.CategoryOf(err), "error", err)
		})
}
