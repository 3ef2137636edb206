package webhook

import (
	"github.com/shopspring/decimal"

	"payment-service/internal/gateway"
	"payment-service/internal/model"
)

// Ref is what every event carries: where it came from and the gateway-native ids
// it refers to.
type Ref struct {
	Gateway   model.Gateway
	EventType string
	PaymentID string
	OrderID   string
	Payload   map[string]any
}

// Event is the closed set of parsed notifications. The unexported accept method
// keeps the set sealed to this package; adding a variant means adding a Visitor
// method, which every dispatcher must then implement.
type Event interface {
	Reference() Ref
	accept(v Visitor) error
}

type Visitor interface {
	PaymentSucceeded(e PaymentSucceeded) error
	PaymentFailed(e PaymentFailed) error
	PaymentAuthorized(e PaymentAuthorized) error
	PaymentCaptured(e PaymentCaptured) error
	RefundProcessed(e RefundProcessed) error
	RefundFailed(e RefundFailed) error
	Unknown(e Unknown) error
}

type PaymentSucceeded struct {
	Ref
	Amount decimal.Decimal
}

type PaymentFailed struct {
	Ref
	FailureCode   string
	FailureReason string
}

type PaymentAuthorized struct {
	Ref
	Amount decimal.Decimal
}

type PaymentCaptured struct {
	Ref
	Amount decimal.Decimal
}

type RefundProcessed struct {
	Ref
	RefundID string
	Amount   decimal.Decimal
	// RefundedTotal and PaymentAmount are nil when the gateway does not report them.
	RefundedTotal *decimal.Decimal
	PaymentAmount *decimal.Decimal
}

type RefundFailed struct {
	Ref
	RefundID string
	Amount   decimal.Decimal
	Reason   string
}

type Unknown struct {
	Ref
}

func (e PaymentSucceeded) Reference() Ref  { return e.Ref }
func (e PaymentFailed) Reference() Ref     { return e.Ref }
func (e PaymentAuthorized) Reference() Ref { return e.Ref }
func (e PaymentCaptured) Reference() Ref   { return e.Ref }
func (e RefundProcessed) Reference() Ref   { return e.Ref }
func (e RefundFailed) Reference() Ref      { return e.Ref }
func (e Unknown) Reference() Ref           { return e.Ref }

func (e PaymentSucceeded) accept(v Visitor) error  { return v.PaymentSucceeded(e) }
func (e PaymentFailed) accept(v Visitor) error     { return v.PaymentFailed(e) }
func (e PaymentAuthorized) accept(v Visitor) error { return v.PaymentAuthorized(e) }
func (e PaymentCaptured) accept(v Visitor) error   { return v.PaymentCaptured(e) }
func (e RefundProcessed) accept(v Visitor) error   { return v.RefundProcessed(e) }
func (e RefundFailed) accept(v Visitor) error      { return v.RefundFailed(e) }
func (e Unknown) accept(v Visitor) error           { return v.Unknown(e) }

// Dispatch hands e to the Visitor method for its variant.
func Dispatch(e Event, v Visitor) error {
	return e.accept(v)
}

// Kind names the variant for logs, metrics and downstream payloads.
func Kind(e Event) string {
	switch e.(type) {
	case PaymentSucceeded:
		return string(gateway.KindPaymentSucceeded)
	case PaymentFailed:
		return string(gateway.KindPaymentFailed)
	case PaymentAuthorized:
		return string(gateway.KindPaymentAuthorized)
	case PaymentCaptured:
		return string(gateway.KindPaymentCaptured)
	case RefundProcessed:
		return string(gateway.KindRefundProcessed)
	case RefundFailed:
		return string(gateway.KindRefundFailed)
	}
	return string(gateway.KindUnknown)
}

// FromNotification lifts an adapter's canonical notification into the sealed set.
func FromNotification(gw model.Gateway, n gateway.Notification, payload map[string]any) Event {
	ref := Ref{Gateway: gw, EventType: n.EventType, PaymentID: n.PaymentID, OrderID: n.OrderID, Payload: payload}

	switch n.Kind {
	case gateway.KindPaymentSucceeded:
		return PaymentSucceeded{Ref: ref, Amount: n.Amount}
	case gateway.KindPaymentFailed:
		return PaymentFailed{Ref: ref, FailureCode: n.FailureCode, FailureReason: n.FailureReason}
	case gateway.KindPaymentAuthorized:
		return PaymentAuthorized{Ref: ref, Amount: n.Amount}
	case gateway.KindPaymentCaptured:
		return PaymentCaptured{Ref: ref, Amount: n.Amount}
	case gateway.KindRefundProcessed:
		return RefundProcessed{Ref: ref, RefundID: n.RefundID, Amount: n.Amount,
			RefundedTotal: n.RefundedTotal, PaymentAmount: n.PaymentAmount}
	case gateway.KindRefundFailed:
		return RefundFailed{Ref: ref, RefundID: n.RefundID, Amount: n.Amount, Reason: n.FailureReason}
	}
	return Unknown{Ref: ref}
}
