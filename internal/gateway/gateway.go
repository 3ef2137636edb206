// Package gateway defines the canonical contract every payment provider adapter
// implements and the Router that dispatches operations to them.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-service/internal/model"
)

// PaymentStatus is the canonical view of a provider-side payment state.
type PaymentStatus string

const (
	PaymentCreated        PaymentStatus = "created"
	PaymentActionRequired PaymentStatus = "action_required"
	PaymentAuthorized     PaymentStatus = "authorized"
	PaymentCaptured       PaymentStatus = "captured"
	PaymentFailed         PaymentStatus = "failed"
	PaymentCancelled      PaymentStatus = "cancelled"
	PaymentRefunded       PaymentStatus = "refunded"
)

// TransactionStatus maps the provider state onto the local state machine.
func (s PaymentStatus) TransactionStatus() model.Status {
	switch s {
	case PaymentAuthorized:
		return model.StatusAuthorized
	case PaymentCaptured:
		return model.StatusCompleted
	case PaymentFailed:
		return model.StatusFailed
	case PaymentCancelled:
		return model.StatusCancelled
	case PaymentRefunded:
		return model.StatusRefunded
	default:
		return model.StatusProcessing
	}
}

type PaymentRequest struct {
	TransactionID  uuid.UUID
	Gateway        model.Gateway
	Amount         decimal.Decimal
	Currency       string
	Receipt        string
	CustomerID     string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentRef is what a provider hands back when a payment is created: an order
// id for order-first providers, a payment id for intent-first ones.
type PaymentRef struct {
	Gateway   model.Gateway
	OrderID   string
	PaymentID string
	// ClientSecret lets a front end finish the payment where the provider needs it.
	ClientSecret string
}

func (r PaymentRef) ID() string {
	if r.PaymentID != "" {
		return r.PaymentID
	}
	return r.OrderID
}

type PaymentResult struct {
	Gateway       model.Gateway
	PaymentID     string
	OrderID       string
	Status        PaymentStatus
	Amount        decimal.Decimal
	Currency      string
	FailureCode   string
	FailureReason string
}

type RefundRequest struct {
	// Amount is the amount to refund; zero refunds whatever remains.
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
	Notes          map[string]string
}

type RefundResult struct {
	RefundID  string
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
	Status    model.RefundStatus
	CreatedAt time.Time
}

type CustomerRequest struct {
	UserID         string
	Email          string
	Name           string
	Phone          string
	IdempotencyKey string
}

type Customer struct {
	ID string
}

type SubscriptionRequest struct {
	CustomerID     string
	PlanID         string
	TotalCount     int
	IdempotencyKey string
}

type SubscriptionBinding struct {
	ID     string
	Status string
}

// NotificationKind is the canonical classification of a provider notification.
type NotificationKind string

const (
	KindPaymentSucceeded  NotificationKind = "payment_succeeded"
	KindPaymentFailed     NotificationKind = "payment_failed"
	KindPaymentAuthorized NotificationKind = "payment_authorized"
	KindPaymentCaptured   NotificationKind = "payment_captured"
	KindRefundProcessed   NotificationKind = "refund_processed"
	KindRefundFailed      NotificationKind = "refund_failed"
	KindUnknown           NotificationKind = "unknown"
)

// Envelope holds the fields needed before a notification can be verified.
type Envelope struct {
	// WebhookID is the provider's delivery id; empty when the provider sends none.
	WebhookID string
	EventType string
}

// Notification is a verified provider notification reduced to canonical fields.
type Notification struct {
	Kind          NotificationKind
	EventType     string
	PaymentID     string
	OrderID       string
	RefundID      string
	Amount        decimal.Decimal
	Currency      string
	FailureCode   string
	FailureReason string
	// RefundedTotal is the cumulative refunded amount when the provider reports it.
	RefundedTotal *decimal.Decimal
	// PaymentAmount is the original payment amount when the provider reports it.
	PaymentAmount *decimal.Decimal
}

// Adapter translates canonical operations to one provider's REST API. Adapters
// are plain translators; the Router adds breaker, retry and timeout handling.
type Adapter interface {
	Gateway() model.Gateway
	// SupportsIdempotencyKeys reports whether creation calls carrying a key may
	// safely be repeated.
	SupportsIdempotencyKeys() bool

	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentRef, error)
	ConfirmPayment(ctx context.Context, paymentID, methodID string) (PaymentResult, error)
	CapturePayment(ctx context.Context, paymentID string) (PaymentResult, error)
	Retrieve(ctx context.Context, paymentID string) (PaymentResult, error)
	Refund(ctx context.Context, paymentID string, req RefundRequest) (RefundResult, error)
	ListRefunds(ctx context.Context, paymentID string) ([]RefundResult, error)

	CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionBinding, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (SubscriptionBinding, error)

	// VerifySignature checks signature over the raw payload with secret. receivedAt
	// is when the notification first arrived, so replays verify like the original.
	VerifySignature(payload []byte, signature, secret string, receivedAt time.Time) error
	SignatureHeader() string
	Envelope(headers http.Header, payload map[string]any) Envelope
	ParseNotification(payload map[string]any) (Notification, error)
}
