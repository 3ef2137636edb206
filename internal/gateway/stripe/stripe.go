// Package stripe adapts the Stripe PaymentIntents REST API. Requests are
// form-encoded and creation calls carry an Idempotency-Key header.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/config"
	"payment-service/internal/gateway"
	"payment-service/internal/gateway/httpclient"
	"payment-service/internal/model"
)

const (
	signatureHeader = "Stripe-Signature"

	chargePrefix = "ch_"
)

type lastPaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	LatestCharge     string            `json:"latest_charge"`
	LastPaymentError *lastPaymentError `json:"last_payment_error"`
}

type charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Captured       bool   `json:"captured"`
	Refunded       bool   `json:"refunded"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

type refund struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Created       int64  `json:"created"`
}

type list[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type Adapter struct {
	client    *httpclient.Client
	tolerance time.Duration
	now       func() time.Time
}

func New(cfg config.Stripe, logger *slog.Logger) *Adapter {
	client := httpclient.New(model.GatewayStripe.String(), cfg.BaseURL, time.Duration(cfg.TimeoutMs)*time.Millisecond,
		httpclient.BearerAuth(cfg.SecretKey), decodeError, logger)
	return &Adapter{
		client:    client,
		tolerance: time.Duration(cfg.SignatureToleranceSec) * time.Second,
		now:       time.Now,
	}
}

func (a *Adapter) Gateway() model.Gateway {
	return model.GatewayStripe
}

func (a *Adapter) SupportsIdempotencyKeys() bool {
	return true
}

func (a *Adapter) CreatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentRef, error) {
	form := url.Values{}
	form.Set("amount", gateway.MinorUnits(req.Amount, req.Currency))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[transaction_id]", req.TransactionID.String())
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	if req.CustomerID != "" {
		form.Set("customer", req.CustomerID)
	}
	if req.PaymentMethod != "" {
		form.Set("payment_method_types[]", req.PaymentMethod)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	var intent paymentIntent
	err := a.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/payment_intents",
		Form:    form,
		Headers: idempotency(req.IdempotencyKey),
	}, &intent)
	if err != nil {
		return gateway.PaymentRef{}, err
	}
	return gateway.PaymentRef{Gateway: model.GatewayStripe, PaymentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (a *Adapter) ConfirmPayment(ctx context.Context, paymentID, methodID string) (gateway.PaymentResult, error) {
	form := url.Values{}
	if methodID != "" {
		form.Set("payment_method", methodID)
	}

	var intent paymentIntent
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/payment_intents/" + url.PathEscape(paymentID) + "/confirm",
		Form:   form,
	}, &intent)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	return intent.result(), nil
}

func (a *Adapter) CapturePayment(ctx context.Context, paymentID string) (gateway.PaymentResult, error) {
	var intent paymentIntent
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/payment_intents/" + url.PathEscape(paymentID) + "/capture",
		Form:   url.Values{},
	}, &intent)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	return intent.result(), nil
}

func (a *Adapter) Retrieve(ctx context.Context, paymentID string) (gateway.PaymentResult, error) {
	if strings.HasPrefix(paymentID, chargePrefix) {
		var c charge
		if err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/charges/" + url.PathEscape(paymentID)}, &c); err != nil {
			return gateway.PaymentResult{}, err
		}
		return c.result(), nil
	}

	var intent paymentIntent
	if err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/payment_intents/" + url.PathEscape(paymentID)}, &intent); err != nil {
		return gateway.PaymentResult{}, err
	}
	return intent.result(), nil
}

func (a *Adapter) Refund(ctx context.Context, paymentID string, req gateway.RefundRequest) (gateway.RefundResult, error) {
	form := url.Values{}
	if strings.HasPrefix(paymentID, chargePrefix) {
		form.Set("charge", paymentID)
	} else {
		form.Set("payment_intent", paymentID)
	}
	if req.Amount.IsPositive() {
		form.Set("amount", gateway.MinorUnits(req.Amount, req.Currency))
	}
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}
	for k, v := range req.Notes {
		form.Set("metadata["+k+"]", v)
	}

	var created refund
	err := a.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/refunds",
		Form:    form,
		Headers: idempotency(req.IdempotencyKey),
	}, &created)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	return created.result(paymentID), nil
}

func (a *Adapter) ListRefunds(ctx context.Context, paymentID string) ([]gateway.RefundResult, error) {
	query := url.Values{"limit": {"100"}}
	if strings.HasPrefix(paymentID, chargePrefix) {
		query.Set("charge", paymentID)
	} else {
		query.Set("payment_intent", paymentID)
	}

	var refunds list[refund]
	err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/v1/refunds", Query: query}, &refunds)
	if err != nil {
		if apperr.CategoryOf(err) == apperr.NotFound {
			return nil, nil
		}
		return nil, err
	}

	results := make([]gateway.RefundResult, 0, len(refunds.Data))
	for _, r := range refunds.Data {
		results = append(results, r.result(paymentID))
	}
	return results, nil
}

func (a *Adapter) CreateCustomer(ctx context.Context, req gateway.CustomerRequest) (gateway.Customer, error) {
	form := url.Values{}
	form.Set("metadata[user_id]", req.UserID)
	if req.Email != "" {
		form.Set("email", req.Email)
	}
	if req.Name != "" {
		form.Set("name", req.Name)
	}
	if req.Phone != "" {
		form.Set("phone", req.Phone)
	}

	var created struct {
		ID string `json:"id"`
	}
	err := a.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/customers",
		Form:    form,
		Headers: idempotency(req.IdempotencyKey),
	}, &created)
	if err != nil {
		return gateway.Customer{}, err
	}
	return gateway.Customer{ID: created.ID}, nil
}

func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.SubscriptionBinding, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerID)
	form.Set("items[0][price]", req.PlanID)
	form.Set("payment_behavior", "default_incomplete")

	var created gateway.SubscriptionBinding
	err := a.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/subscriptions",
		Form:    form,
		Headers: idempotency(req.IdempotencyKey),
	}, &created)
	return created, err
}

func (a *Adapter) CancelSubscription(ctx context.Context, subscriptionID string) (gateway.SubscriptionBinding, error) {
	var cancelled gateway.SubscriptionBinding
	err := a.client.Do(ctx, httpclient.Request{
		Method: http.MethodDelete,
		Path:   "/v1/subscriptions/" + url.PathEscape(subscriptionID),
	}, &cancelled)
	return cancelled, err
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header. The HMAC covers
// "<t>.<payload>" and t must lie within the tolerance of receivedAt.
func (a *Adapter) VerifySignature(payload []byte, signature, secret string, receivedAt time.Time) error {
	if signature == "" {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "missing signature")
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "malformed signature header")
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "malformed signature timestamp")
	}
	if receivedAt.IsZero() {
		receivedAt = a.now()
	}
	if a.tolerance > 0 {
		skew := receivedAt.Sub(time.Unix(signedAt, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.tolerance {
			return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "signature timestamp outside tolerance")
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return apperr.New(apperr.Security, apperr.CodeInvalidSignature, "signature mismatch")
}

func (a *Adapter) SignatureHeader() string {
	return signatureHeader
}

func (a *Adapter) Envelope(_ http.Header, payload map[string]any) gateway.Envelope {
	return gateway.Envelope{
		WebhookID: gateway.String(payload, "id"),
		EventType: gateway.String(payload, "type"),
	}
}

func (a *Adapter) ParseNotification(payload map[string]any) (gateway.Notification, error) {
	event := gateway.String(payload, "type")
	if event == "" {
		return gateway.Notification{}, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "stripe event type missing")
	}
	object, ok := gateway.Lookup(payload, "data", "object")
	if !ok {
		return gateway.Notification{}, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "stripe event has no data.object")
	}
	obj, ok := object.(map[string]any)
	if !ok {
		return gateway.Notification{}, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "stripe data.object is not an object")
	}

	n := gateway.Notification{Kind: gateway.KindUnknown, EventType: event, Currency: strings.ToUpper(gateway.String(obj, "currency"))}

	switch {
	case strings.HasPrefix(event, "payment_intent."):
		n.PaymentID = gateway.String(obj, "id")
		if amount, ok := gateway.MinorAmount(obj, n.Currency, "amount"); ok {
			n.Amount = amount
		}
		switch event {
		case "payment_intent.succeeded":
			n.Kind = gateway.KindPaymentSucceeded
		case "payment_intent.amount_capturable_updated":
			n.Kind = gateway.KindPaymentAuthorized
		case "payment_intent.payment_failed":
			n.Kind = gateway.KindPaymentFailed
			n.FailureCode = gateway.String(obj, "last_payment_error", "code")
			n.FailureReason = gateway.String(obj, "last_payment_error", "message")
		}
	case event == "charge.captured":
		n.Kind = gateway.KindPaymentCaptured
		n.PaymentID = chargeReference(obj)
		if amount, ok := gateway.MinorAmount(obj, n.Currency, "amount_captured"); ok {
			n.Amount = amount
		} else if amount, ok := gateway.MinorAmount(obj, n.Currency, "amount"); ok {
			n.Amount = amount
		}
	case event == "charge.refunded":
		n.Kind = gateway.KindRefundProcessed
		n.PaymentID = chargeReference(obj)
		if refunds, ok := gateway.Lookup(obj, "refunds", "data"); ok {
			if items, ok := refunds.([]any); ok && len(items) > 0 {
				if latest, ok := items[0].(map[string]any); ok {
					n.RefundID = gateway.String(latest, "id")
					if amount, ok := gateway.MinorAmount(latest, n.Currency, "amount"); ok {
						n.Amount = amount
					}
				}
			}
		}
		if total, ok := gateway.MinorAmount(obj, n.Currency, "amount_refunded"); ok {
			n.RefundedTotal = &total
			if n.Amount.IsZero() {
				n.Amount = total
			}
		}
		if original, ok := gateway.MinorAmount(obj, n.Currency, "amount"); ok {
			n.PaymentAmount = &original
		}
	case event == "refund.failed" || event == "refund.updated" || event == "refund.created":
		n.RefundID = gateway.String(obj, "id")
		n.PaymentID = gateway.String(obj, "payment_intent")
		if n.PaymentID == "" {
			n.PaymentID = gateway.String(obj, "charge")
		}
		if amount, ok := gateway.MinorAmount(obj, n.Currency, "amount"); ok {
			n.Amount = amount
		}
		if event == "refund.failed" || gateway.String(obj, "status") == "failed" {
			n.Kind = gateway.KindRefundFailed
			n.FailureReason = gateway.String(obj, "failure_reason")
		}
	}
	return n, nil
}

// chargeReference prefers the payment intent a charge belongs to, since that is
// the id transactions are stored under.
func chargeReference(obj map[string]any) string {
	if intent := gateway.String(obj, "payment_intent"); intent != "" {
		return intent
	}
	return gateway.String(obj, "id")
}

func (p paymentIntent) result() gateway.PaymentResult {
	result := gateway.PaymentResult{
		Gateway:   model.GatewayStripe,
		PaymentID: p.ID,
		Status:    intentStatus(p.Status),
		Amount:    model.FromMinorUnits(p.Amount, p.Currency),
		Currency:  strings.ToUpper(p.Currency),
	}
	if p.LastPaymentError != nil {
		result.FailureCode = p.LastPaymentError.Code
		result.FailureReason = p.LastPaymentError.Message
		if p.Status == "requires_payment_method" {
			result.Status = gateway.PaymentFailed
		}
	}
	return result
}

func (c charge) result() gateway.PaymentResult {
	status := gateway.PaymentCreated
	switch {
	case c.Refunded:
		status = gateway.PaymentRefunded
	case c.Status == "failed":
		status = gateway.PaymentFailed
	case c.Status == "succeeded" && c.Captured:
		status = gateway.PaymentCaptured
	case c.Status == "succeeded":
		status = gateway.PaymentAuthorized
	}
	return gateway.PaymentResult{
		Gateway:       model.GatewayStripe,
		PaymentID:     c.ID,
		OrderID:       c.PaymentIntent,
		Status:        status,
		Amount:        model.FromMinorUnits(c.Amount, c.Currency),
		Currency:      strings.ToUpper(c.Currency),
		FailureCode:   c.FailureCode,
		FailureReason: c.FailureMessage,
	}
}

func (r refund) result(paymentID string) gateway.RefundResult {
	status := model.RefundStatusPending
	switch r.Status {
	case "succeeded":
		status = model.RefundStatusProcessed
	case "failed", "canceled":
		status = model.RefundStatusFailed
	}
	if r.PaymentIntent != "" {
		paymentID = r.PaymentIntent
	}
	return gateway.RefundResult{
		RefundID:  r.ID,
		PaymentID: paymentID,
		Amount:    model.FromMinorUnits(r.Amount, r.Currency),
		Currency:  strings.ToUpper(r.Currency),
		Status:    status,
		CreatedAt: time.Unix(r.Created, 0).UTC(),
	}
}

func intentStatus(status string) gateway.PaymentStatus {
	switch status {
	case "requires_capture":
		return gateway.PaymentAuthorized
	case "succeeded":
		return gateway.PaymentCaptured
	case "canceled":
		return gateway.PaymentCancelled
	case "requires_payment_method", "requires_confirmation", "requires_action":
		return gateway.PaymentActionRequired
	default:
		return gateway.PaymentCreated
	}
}

func idempotency(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func decodeError(body []byte) (string, string) {
	var payload struct {
		Error struct {
			Code        string `json:"code"`
			DeclineCode string `json:"decline_code"`
			Message     string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	code := payload.Error.Code
	if payload.Error.DeclineCode != "" {
		code = payload.Error.DeclineCode
	}
	return code, payload.Error.Message
}

var _ gateway.Adapter = (*Adapter)(nil)
