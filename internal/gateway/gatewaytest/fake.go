// Package gatewaytest provides an in-memory gateway.Adapter for tests of the
// components built on the Router.
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/gateway"
	"payment-service/internal/model"
)

const SignatureHeader = "X-Test-Signature"

// Adapter keeps payments and refunds in memory. Errors queued with FailNext are
// returned, in order, by the next calls to the named operation.
type Adapter struct {
	mu          sync.Mutex
	gw          model.Gateway
	idempotent  bool
	seq         int
	payments    map[string]gateway.PaymentResult
	refunds     map[string][]gateway.RefundResult
	failures    map[string][]error
	calls       map[string]int
	RefundState model.RefundStatus
}

func New(gw model.Gateway, idempotent bool) *Adapter {
	return &Adapter{
		gw:          gw,
		idempotent:  idempotent,
		payments:    map[string]gateway.PaymentResult{},
		refunds:     map[string][]gateway.RefundResult{},
		failures:    map[string][]error{},
		calls:       map[string]int{},
		RefundState: model.RefundStatusProcessed,
	}
}

func (a *Adapter) FailNext(operation string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[operation] = append(a.failures[operation], errs...)
}

func (a *Adapter) Calls(operation string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[operation]
}

// SetPayment seeds the provider-side state of a payment.
func (a *Adapter) SetPayment(result gateway.PaymentResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result.Gateway = a.gw
	a.payments[result.PaymentID] = result
}

// AddRefund seeds a refund already known to the provider.
func (a *Adapter) AddRefund(paymentID string, result gateway.RefundResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result.PaymentID = paymentID
	a.refunds[paymentID] = append(a.refunds[paymentID], result)
}

func (a *Adapter) begin(operation string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[operation]++
	if queued := a.failures[operation]; len(queued) > 0 {
		a.failures[operation] = queued[1:]
		return queued[0]
	}
	return nil
}

func (a *Adapter) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s%d", prefix, a.seq)
}

func (a *Adapter) Gateway() model.Gateway        { return a.gw }
func (a *Adapter) SupportsIdempotencyKeys() bool { return a.idempotent }

func (a *Adapter) CreatePayment(_ context.Context, req gateway.PaymentRequest) (gateway.PaymentRef, error) {
	if err := a.begin("create_payment"); err != nil {
		return gateway.PaymentRef{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ref := gateway.PaymentRef{Gateway: a.gw}
	if a.gw == model.GatewayRazorpay {
		ref.OrderID = a.nextID("order_")
	} else {
		ref.PaymentID = a.nextID("pi_")
	}
	a.payments[ref.ID()] = gateway.PaymentResult{
		Gateway:   a.gw,
		PaymentID: ref.ID(),
		OrderID:   ref.OrderID,
		Status:    gateway.PaymentCreated,
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	return ref, nil
}

func (a *Adapter) ConfirmPayment(_ context.Context, paymentID, _ string) (gateway.PaymentResult, error) {
	if err := a.begin("confirm_payment"); err != nil {
		return gateway.PaymentResult{}, err
	}
	return a.advance(paymentID, gateway.PaymentAuthorized)
}

func (a *Adapter) CapturePayment(_ context.Context, paymentID string) (gateway.PaymentResult, error) {
	if err := a.begin("capture_payment"); err != nil {
		return gateway.PaymentResult{}, err
	}
	return a.advance(paymentID, gateway.PaymentCaptured)
}

func (a *Adapter) advance(paymentID string, status gateway.PaymentStatus) (gateway.PaymentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.payments[paymentID]
	if !ok {
		return gateway.PaymentResult{}, apperr.Newf(apperr.NotFound, apperr.CodeTransactionNotFound, "no payment %s", paymentID)
	}
	p.Status = status
	a.payments[paymentID] = p
	return p, nil
}

func (a *Adapter) Retrieve(_ context.Context, paymentID string) (gateway.PaymentResult, error) {
	if err := a.begin("retrieve"); err != nil {
		return gateway.PaymentResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.payments[paymentID]
	if !ok {
		return gateway.PaymentResult{}, apperr.Newf(apperr.NotFound, apperr.CodeTransactionNotFound, "no payment %s", paymentID)
	}
	return p, nil
}

func (a *Adapter) Refund(_ context.Context, paymentID string, req gateway.RefundRequest) (gateway.RefundResult, error) {
	if err := a.begin("refund"); err != nil {
		return gateway.RefundResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	amount := req.Amount
	if !amount.IsPositive() {
		amount = a.remaining(paymentID)
	}
	result := gateway.RefundResult{
		RefundID:  a.nextID("rfnd_"),
		PaymentID: paymentID,
		Amount:    amount,
		Currency:  req.Currency,
		Status:    a.RefundState,
		CreatedAt: time.Now().UTC(),
	}
	a.refunds[paymentID] = append(a.refunds[paymentID], result)
	return result, nil
}

func (a *Adapter) remaining(paymentID string) decimal.Decimal {
	total := a.payments[paymentID].Amount
	for _, r := range a.refunds[paymentID] {
		if r.Status.Counts() {
			total = total.Sub(r.Amount)
		}
	}
	return total
}

func (a *Adapter) ListRefunds(_ context.Context, paymentID string) ([]gateway.RefundResult, error) {
	if err := a.begin("list_refunds"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]gateway.RefundResult(nil), a.refunds[paymentID]...), nil
}

func (a *Adapter) CreateCustomer(_ context.Context, _ gateway.CustomerRequest) (gateway.Customer, error) {
	if err := a.begin("create_customer"); err != nil {
		return gateway.Customer{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return gateway.Customer{ID: a.nextID("cust_")}, nil
}

func (a *Adapter) CreateSubscription(_ context.Context, _ gateway.SubscriptionRequest) (gateway.SubscriptionBinding, error) {
	if err := a.begin("create_subscription"); err != nil {
		return gateway.SubscriptionBinding{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return gateway.SubscriptionBinding{ID: a.nextID("sub_"), Status: "created"}, nil
}

func (a *Adapter) CancelSubscription(_ context.Context, subscriptionID string) (gateway.SubscriptionBinding, error) {
	if err := a.begin("cancel_subscription"); err != nil {
		return gateway.SubscriptionBinding{}, err
	}
	return gateway.SubscriptionBinding{ID: subscriptionID, Status: "cancelled"}, nil
}

// Sign returns the signature VerifySignature accepts for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) VerifySignature(payload []byte, signature, secret string, _ time.Time) error {
	if !hmac.Equal([]byte(Sign(payload, secret)), []byte(signature)) {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

func (a *Adapter) SignatureHeader() string {
	return SignatureHeader
}

func (a *Adapter) Envelope(_ http.Header, payload map[string]any) gateway.Envelope {
	return gateway.Envelope{WebhookID: gateway.String(payload, "id"), EventType: gateway.String(payload, "type")}
}

// ParseNotification reads a flat payload whose "type" is a NotificationKind and
// whose amounts are decimal strings.
func (a *Adapter) ParseNotification(payload map[string]any) (gateway.Notification, error) {
	event := gateway.String(payload, "type")
	if event == "" {
		return gateway.Notification{}, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "type missing")
	}

	n := gateway.Notification{
		Kind:          gateway.KindUnknown,
		EventType:     event,
		PaymentID:     gateway.String(payload, "payment_id"),
		OrderID:       gateway.String(payload, "order_id"),
		RefundID:      gateway.String(payload, "refund_id"),
		Currency:      gateway.String(payload, "currency"),
		FailureCode:   gateway.String(payload, "failure_code"),
		FailureReason: gateway.String(payload, "failure_reason"),
	}
	switch kind := gateway.NotificationKind(event); kind {
	case gateway.KindPaymentSucceeded, gateway.KindPaymentFailed, gateway.KindPaymentAuthorized,
		gateway.KindPaymentCaptured, gateway.KindRefundProcessed, gateway.KindRefundFailed:
		n.Kind = kind
	}
	if v, err := decimal.NewFromString(gateway.String(payload, "amount")); err == nil {
		n.Amount = v
	}
	if v, err := decimal.NewFromString(gateway.String(payload, "refunded_total")); err == nil {
		n.RefundedTotal = &v
	}
	if v, err := decimal.NewFromString(gateway.String(payload, "payment_amount")); err == nil {
		n.PaymentAmount = &v
	}
	return n, nil
}

var _ gateway.Adapter = (*Adapter)(nil)
