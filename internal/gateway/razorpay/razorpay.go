// Package razorpay adapts the Razorpay orders/payments REST API. Payments start as
// orders (order_...) and become payments (pay_...) once the customer pays.
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/config"
	"payment-service/internal/gateway"
	"payment-service/internal/gateway/httpclient"
	"payment-service/internal/model"
)

const (
	signatureHeader = "X-Razorpay-Signature"
	eventIDHeader   = "X-Razorpay-Event-Id"

	orderPrefix = "order_"
)

type order struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
}

type payment struct {
	ID               string  `json:"id"`
	OrderID          string  `json:"order_id"`
	Amount           int64   `json:"amount"`
	AmountRefunded   int64   `json:"amount_refunded"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	Method           string  `json:"method"`
	ErrorCode        *string `json:"error_code"`
	ErrorDescription *string `json:"error_description"`
}

type refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type collection[T any] struct {
	Count int `json:"count"`
	Items []T `json:"items"`
}

type Adapter struct {
	client *httpclient.Client
}

func New(cfg config.Razorpay, logger *slog.Logger) *Adapter {
	client := httpclient.New(model.GatewayRazorpay.String(), cfg.BaseURL, time.Duration(cfg.TimeoutMs)*time.Millisecond,
		httpclient.BasicAuth(cfg.KeyID, cfg.KeySecret), decodeError, logger)
	return &Adapter{client: client}
}

func (a *Adapter) Gateway() model.Gateway {
	return model.GatewayRazorpay
}

// SupportsIdempotencyKeys is false: Razorpay has no idempotency header for
// orders or refunds, so creation calls are never repeated.
func (a *Adapter) SupportsIdempotencyKeys() bool {
	return false
}

func (a *Adapter) CreatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentRef, error) {
	notes := map[string]string{"transaction_id": req.TransactionID.String()}
	for k, v := range req.Metadata {
		notes[k] = v
	}

	var created order
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/orders",
		JSON: map[string]any{
			"amount":   model.ToMinorUnits(req.Amount, req.Currency),
			"currency": strings.ToUpper(req.Currency),
			"receipt":  req.Receipt,
			"notes":    notes,
		},
	}, &created)
	if err != nil {
		return gateway.PaymentRef{}, err
	}
	return gateway.PaymentRef{Gateway: model.GatewayRazorpay, OrderID: created.ID}, nil
}

// ConfirmPayment checks the payment the customer completed at checkout (methodID)
// against the order it should belong to. Razorpay has no server-side confirm call.
func (a *Adapter) ConfirmPayment(ctx context.Context, paymentID, methodID string) (gateway.PaymentResult, error) {
	target := methodID
	if target == "" {
		target = paymentID
	}
	if strings.HasPrefix(target, orderPrefix) {
		return gateway.PaymentResult{}, apperr.New(apperr.Validation, apperr.CodeInvalidRequest,
			"a razorpay payment id is required to confirm an order")
	}

	p, err := a.fetchPayment(ctx, target)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	if strings.HasPrefix(paymentID, orderPrefix) && p.OrderID != paymentID {
		return gateway.PaymentResult{}, apperr.Newf(apperr.Validation, apperr.CodeInvalidRequest,
			"payment %s does not belong to order %s", p.ID, paymentID)
	}
	return p.result(), nil
}

func (a *Adapter) CapturePayment(ctx context.Context, paymentID string) (gateway.PaymentResult, error) {
	p, err := a.resolvePayment(ctx, paymentID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	if p.Status == "captured" {
		return p.result(), nil
	}
	if p.Status != "authorized" {
		return gateway.PaymentResult{}, apperr.Newf(apperr.Rejected, apperr.CodeGatewayRejected,
			"payment %s is %s and cannot be captured", p.ID, p.Status)
	}

	var captured payment
	err = a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/payments/" + url.PathEscape(p.ID) + "/capture",
		JSON:   map[string]any{"amount": p.Amount, "currency": p.Currency},
	}, &captured)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	return captured.result(), nil
}

func (a *Adapter) Retrieve(ctx context.Context, paymentID string) (gateway.PaymentResult, error) {
	if !strings.HasPrefix(paymentID, orderPrefix) {
		p, err := a.fetchPayment(ctx, paymentID)
		if err != nil {
			return gateway.PaymentResult{}, err
		}
		return p.result(), nil
	}

	var o order
	if err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/orders/" + url.PathEscape(paymentID)}, &o); err != nil {
		return gateway.PaymentResult{}, err
	}
	if p, err := a.orderPayment(ctx, paymentID); err == nil {
		return p.result(), nil
	} else if apperr.CategoryOf(err) != apperr.NotFound {
		return gateway.PaymentResult{}, err
	}

	status := gateway.PaymentCreated
	if o.Status == "attempted" {
		status = gateway.PaymentActionRequired
	}
	return gateway.PaymentResult{
		Gateway:  model.GatewayRazorpay,
		OrderID:  o.ID,
		Status:   status,
		Amount:   model.FromMinorUnits(o.Amount, o.Currency),
		Currency: o.Currency,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, paymentID string, req gateway.RefundRequest) (gateway.RefundResult, error) {
	p, err := a.resolvePayment(ctx, paymentID)
	if err != nil {
		return gateway.RefundResult{}, err
	}

	body := map[string]any{}
	if req.Amount.IsPositive() {
		body["amount"] = model.ToMinorUnits(req.Amount, p.Currency)
	}
	notes := map[string]string{}
	for k, v := range req.Notes {
		notes[k] = v
	}
	if req.Reason != "" {
		notes["reason"] = req.Reason
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	if req.IdempotencyKey != "" {
		body["receipt"] = req.IdempotencyKey
	}

	var created refund
	err = a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/payments/" + url.PathEscape(p.ID) + "/refund",
		JSON:   body,
	}, &created)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	return created.result(), nil
}

func (a *Adapter) ListRefunds(ctx context.Context, paymentID string) ([]gateway.RefundResult, error) {
	p, err := a.resolvePayment(ctx, paymentID)
	if err != nil {
		if apperr.CategoryOf(err) == apperr.NotFound {
			return nil, nil
		}
		return nil, err
	}

	var refunds collection[refund]
	err = a.client.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   "/v1/payments/" + url.PathEscape(p.ID) + "/refunds",
		Query:  url.Values{"count": {"100"}},
	}, &refunds)
	if err != nil {
		return nil, err
	}

	results := make([]gateway.RefundResult, 0, len(refunds.Items))
	for _, r := range refunds.Items {
		results = append(results, r.result())
	}
	return results, nil
}

func (a *Adapter) CreateCustomer(ctx context.Context, req gateway.CustomerRequest) (gateway.Customer, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/customers",
		JSON: map[string]any{
			"name":          req.Name,
			"email":         req.Email,
			"contact":       req.Phone,
			"fail_existing": "0",
			"notes":         map[string]string{"user_id": req.UserID},
		},
	}, &created)
	if err != nil {
		return gateway.Customer{}, err
	}
	return gateway.Customer{ID: created.ID}, nil
}

func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.SubscriptionBinding, error) {
	totalCount := req.TotalCount
	if totalCount <= 0 {
		totalCount = 12
	}
	body := map[string]any{
		"plan_id":         req.PlanID,
		"total_count":     totalCount,
		"customer_notify": 1,
	}
	if req.CustomerID != "" {
		body["customer_id"] = req.CustomerID
	}

	var created gateway.SubscriptionBinding
	err := a.client.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: "/v1/subscriptions", JSON: body}, &created)
	return created, err
}

func (a *Adapter) CancelSubscription(ctx context.Context, subscriptionID string) (gateway.SubscriptionBinding, error) {
	var cancelled gateway.SubscriptionBinding
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel",
		JSON:   map[string]any{"cancel_at_cycle_end": 0},
	}, &cancelled)
	return cancelled, err
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body. Razorpay
// signatures carry no timestamp, so receivedAt is unused.
func (a *Adapter) VerifySignature(payload []byte, signature, secret string, _ time.Time) error {
	if signature == "" {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "missing signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

func (a *Adapter) SignatureHeader() string {
	return signatureHeader
}

func (a *Adapter) Envelope(headers http.Header, payload map[string]any) gateway.Envelope {
	return gateway.Envelope{
		WebhookID: headers.Get(eventIDHeader),
		EventType: gateway.String(payload, "event"),
	}
}

func (a *Adapter) ParseNotification(payload map[string]any) (gateway.Notification, error) {
	event := gateway.String(payload, "event")
	if event == "" {
		return gateway.Notification{}, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "razorpay event name missing")
	}

	n := gateway.Notification{Kind: gateway.KindUnknown, EventType: event}
	paymentEntity := []string{"payload", "payment", "entity"}
	refundEntity := []string{"payload", "refund", "entity"}

	n.PaymentID = gateway.String(payload, append(paymentEntity, "id")...)
	n.OrderID = gateway.String(payload, append(paymentEntity, "order_id")...)
	n.Currency = gateway.String(payload, append(paymentEntity, "currency")...)
	if orderID := gateway.String(payload, "payload", "order", "entity", "id"); orderID != "" {
		n.OrderID = orderID
	}

	switch event {
	case "payment.authorized":
		n.Kind = gateway.KindPaymentAuthorized
	case "payment.captured":
		n.Kind = gateway.KindPaymentCaptured
	case "order.paid":
		n.Kind = gateway.KindPaymentSucceeded
	case "payment.failed":
		n.Kind = gateway.KindPaymentFailed
		n.FailureCode = gateway.String(payload, append(paymentEntity, "error_code")...)
		n.FailureReason = gateway.String(payload, append(paymentEntity, "error_description")...)
	case "refund.processed", "refund.failed":
		n.Kind = gateway.KindRefundProcessed
		if event == "refund.failed" {
			n.Kind = gateway.KindRefundFailed
		}
		n.RefundID = gateway.String(payload, append(refundEntity, "id")...)
		if n.PaymentID == "" {
			n.PaymentID = gateway.String(payload, append(refundEntity, "payment_id")...)
		}
		if n.Currency == "" {
			n.Currency = gateway.String(payload, append(refundEntity, "currency")...)
		}
		if amount, ok := gateway.MinorAmount(payload, n.Currency, append(refundEntity, "amount")...); ok {
			n.Amount = amount
		}
		if total, ok := gateway.MinorAmount(payload, n.Currency, append(paymentEntity, "amount_refunded")...); ok {
			n.RefundedTotal = &total
		}
		if original, ok := gateway.MinorAmount(payload, n.Currency, append(paymentEntity, "amount")...); ok {
			n.PaymentAmount = &original
		}
		return n, nil
	default:
		return n, nil
	}

	if amount, ok := gateway.MinorAmount(payload, n.Currency, append(paymentEntity, "amount")...); ok {
		n.Amount = amount
	}
	return n, nil
}

func (a *Adapter) fetchPayment(ctx context.Context, paymentID string) (payment, error) {
	var p payment
	err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/payments/" + url.PathEscape(paymentID)}, &p)
	return p, err
}

// resolvePayment accepts a payment id or an order id; orders resolve to their
// captured payment, or failing that an authorized one.
func (a *Adapter) resolvePayment(ctx context.Context, id string) (payment, error) {
	if strings.HasPrefix(id, orderPrefix) {
		return a.orderPayment(ctx, id)
	}
	return a.fetchPayment(ctx, id)
}

func (a *Adapter) orderPayment(ctx context.Context, orderID string) (payment, error) {
	var payments collection[payment]
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   "/v1/orders/" + url.PathEscape(orderID) + "/payments",
	}, &payments)
	if err != nil {
		return payment{}, err
	}

	for _, status := range []string{"captured", "refunded", "authorized"} {
		for _, p := range payments.Items {
			if p.Status == status {
				return p, nil
			}
		}
	}
	return payment{}, apperr.Newf(apperr.NotFound, apperr.CodeTransactionNotFound, "order %s has no successful payment", orderID)
}

func (p payment) result() gateway.PaymentResult {
	result := gateway.PaymentResult{
		Gateway:   model.GatewayRazorpay,
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Status:    paymentStatus(p.Status),
		Amount:    model.FromMinorUnits(p.Amount, p.Currency),
		Currency:  p.Currency,
	}
	if p.ErrorCode != nil {
		result.FailureCode = *p.ErrorCode
	}
	if p.ErrorDescription != nil {
		result.FailureReason = *p.ErrorDescription
	}
	return result
}

func (r refund) result() gateway.RefundResult {
	status := model.RefundStatusPending
	switch r.Status {
	case "processed":
		status = model.RefundStatusProcessed
	case "failed":
		status = model.RefundStatusFailed
	}
	return gateway.RefundResult{
		RefundID:  r.ID,
		PaymentID: r.PaymentID,
		Amount:    model.FromMinorUnits(r.Amount, r.Currency),
		Currency:  r.Currency,
		Status:    status,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

func paymentStatus(status string) gateway.PaymentStatus {
	switch status {
	case "authorized":
		return gateway.PaymentAuthorized
	case "captured":
		return gateway.PaymentCaptured
	case "refunded":
		return gateway.PaymentRefunded
	case "failed":
		return gateway.PaymentFailed
	default:
		return gateway.PaymentCreated
	}
}

func decodeError(body []byte) (string, string) {
	var payload struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return payload.Error.Code, payload.Error.Description
}

var _ gateway.Adapter = (*Adapter)(nil)
