// Package payment takes inbound payment requests through their synchronous
// gateway steps: create, confirm, capture and on-demand reconciliation.
package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/events"
	"payment-service/internal/gateway"
	"payment-service/internal/ledger"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
)

var validate = validator.New()

type CreateRequest struct {
	UserID         string          `json:"userId" validate:"required,max=100"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha"`
	Gateway        model.Gateway   `json:"gateway" validate:"required,oneof=RAZORPAY STRIPE"`
	PaymentMethod  string          `json:"paymentMethod" validate:"max=50"`
	CustomerID     string          `json:"customerId" validate:"max=100"`
	Description    string          `json:"description" validate:"max=255"`
	SubscriptionID *uuid.UUID      `json:"subscriptionId"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=255"`
}

func (r CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "invalid payment request")
	}
	return nil
}

// Payment is a transaction plus what a client needs to finish paying for it.
type Payment struct {
	Transaction  *model.Transaction `json:"transaction"`
	ClientSecret string             `json:"clientSecret,omitempty"`
}

type Activator interface {
	Trigger(ctx context.Context, txn model.Transaction)
}

type Emitter interface {
	Emit(ctx context.Context, msg events.Message)
}

type Service struct {
	ledger    *ledger.Ledger
	router    *gateway.Router
	activator Activator
	emitter   Emitter
	topic     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the service. Status changes applied from synchronous gateway
// answers are published to topic.
func NewService(l *ledger.Ledger, router *gateway.Router, activator Activator, emitter Emitter, topic string, logger *slog.Logger) *Service {
	return &Service{
		ledger:    l,
		router:    router,
		activator: activator,
		emitter:   emitter,
		topic:     topic,
		logger:    logger,
		now:       time.Now,
	}
}

// Create records a PENDING transaction and opens the payment at the gateway. The
// transaction moves to PROCESSING once the gateway accepts it and to FAILED when
// the gateway declines; on any other failure it stays PENDING.
func (s *Service) Create(ctx context.Context, req CreateRequest) outcome.Outcome[Payment] {
	if err := req.Validate(); err != nil {
		return outcome.Fail[Payment](err)
	}

	txn, err := s.ledger.Create(ctx, ledger.Draft{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Gateway:        req.Gateway,
		PaymentMethod:  req.PaymentMethod,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		return outcome.Fail[Payment](err)
	}
	ctx = logging.AppendCtx(ctx, slog.String("transactionId", txn.ID.String()))

	key := req.IdempotencyKey
	if key == "" {
		key = "payment-" + txn.ID.String()
	}
	created := s.router.CreatePayment(ctx, gateway.PaymentRequest{
		TransactionID:  txn.ID,
		Gateway:        txn.Gateway,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Receipt:        txn.ReceiptNumber,
		CustomerID:     req.CustomerID,
		PaymentMethod:  req.PaymentMethod,
		Description:    req.Description,
		IdempotencyKey: key,
		Metadata:       map[string]string{"transaction_id": txn.ID.String(), "user_id": txn.UserID},
	})
	if !created.IsOk() {
		return s.creationFailed(ctx, txn, created.Err())
	}

	ref := created.Value()
	result, err := s.ledger.Transition(ctx, txn.ID, ledger.Change{
		To:               model.StatusProcessing,
		GatewayOrderID:   ref.OrderID,
		GatewayPaymentID: ref.PaymentID,
		Source:           "gateway:create_payment",
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error recording gateway payment", "gatewayId", ref.ID(), "error", err)
		return outcome.Fail[Payment](err)
	}

	s.logger.InfoContext(ctx, "Payment created", "gateway", txn.Gateway, "gatewayId", ref.ID())
	return outcome.Ok(Payment{Transaction: result.Transaction, ClientSecret: ref.ClientSecret})
}

// Confirm attaches methodID to the gateway payment and applies the answer.
func (s *Service) Confirm(ctx context.Context, transactionID uuid.UUID, methodID string) outcome.Outcome[*model.Transaction] {
	return s.call(ctx, transactionID, "confirm_payment", func(ctx context.Context, reference string) outcome.Outcome[gateway.PaymentResult] {
		return s.router.ConfirmPayment(ctx, reference, methodID)
	})
}

func (s *Service) Capture(ctx context.Context, transactionID uuid.UUID) outcome.Outcome[*model.Transaction] {
	return s.call(ctx, transactionID, "capture_payment", func(ctx context.Context, reference string) outcome.Outcome[gateway.PaymentResult] {
		return s.router.CapturePayment(ctx, reference)
	})
}

// Reconcile fetches the gateway's view of the payment and applies it.
func (s *Service) Reconcile(ctx context.Context, transactionID uuid.UUID) outcome.Outcome[*model.Transaction] {
	return s.call(ctx, transactionID, "retrieve", func(ctx context.Context, reference string) outcome.Outcome[gateway.PaymentResult] {
		return s.router.Retrieve(ctx, reference)
	})
}

func (s *Service) Get(ctx context.Context, transactionID uuid.UUID) outcome.Outcome[*model.Transaction] {
	return outcome.From(s.ledger.Get(ctx, transactionID))
}

// List returns the user's transactions created in [from, to).
func (s *Service) List(ctx context.Context, userID string, from, to time.Time) outcome.Outcome[[]*model.Transaction] {
	if userID == "" || !from.Before(to) {
		return outcome.Fail[[]*model.Transaction](apperr.New(apperr.Validation, apperr.CodeInvalidRequest,
			"a user id and a from time before the to time are required"))
	}
	return outcome.From(s.ledger.ListByUser(ctx, userID, from, to))
}

func (s *Service) call(ctx context.Context, transactionID uuid.UUID, operation string, fn func(ctx context.Context, reference string) outcome.Outcome[gateway.PaymentResult]) outcome.Outcome[*model.Transaction] {
	ctx = logging.AppendCtx(ctx, slog.String("transactionId", transactionID.String()))

	txn, err := s.ledger.Get(ctx, transactionID)
	if err != nil {
		return outcome.Fail[*model.Transaction](err)
	}
	reference := txn.GatewayReference()
	if reference == "" {
		return outcome.Fail[*model.Transaction](apperr.Newf(apperr.Conflict, apperr.CodeIllegalTransition,
			"transaction %s has not been created at the gateway", txn.ID))
	}

	return outcome.FlatMap(fn(ctx, reference), func(result gateway.PaymentResult) outcome.Outcome[*model.Transaction] {
		return outcome.From(s.apply(ctx, txn.ID, operation, result))
	})
}

func (s *Service) apply(ctx context.Context, transactionID uuid.UUID, operation string, payment gateway.PaymentResult) (*model.Transaction, error) {
	result, err := s.ledger.Transition(ctx, transactionID, ledger.Change{
		To:               payment.Status.TransactionStatus(),
		GatewayOrderID:   payment.OrderID,
		GatewayPaymentID: payment.PaymentID,
		FailureCode:      payment.FailureCode,
		FailureReason:    payment.FailureReason,
		Source:           "gateway:" + operation,
	})
	if err != nil {
		return nil, err
	}
	if !result.Applied() {
		return result.Transaction, nil
	}

	txn := result.Transaction
	s.publish(ctx, operation, txn)
	if txn.Status == model.StatusCompleted && s.activator != nil {
		s.activator.Trigger(ctx, *txn)
	}
	return txn, nil
}

func (s *Service) publish(ctx context.Context, operation string, txn *model.Transaction) {
	if s.emitter == nil {
		return
	}
	msg := events.NewMessage(s.topic, "payment."+strings.ToLower(string(txn.Status)), txn.Gateway, txn.ID.String(), s.now()).
		With("transactionId", txn.ID.String()).
		With("status", string(txn.Status)).
		With("operation", operation).
		With("amount", txn.Amount.String()).
		With("currency", txn.Currency)
	if txn.FailureCode != nil {
		msg = msg.With("failureCode", *txn.FailureCode)
	}
	s.emitter.Emit(ctx, msg)
}

func (s *Service) creationFailed(ctx context.Context, txn *model.Transaction, cause error) outcome.Outcome[Payment] {
	if apperr.CategoryOf(cause) != apperr.Rejected {
		s.logger.WarnContext(ctx, "Gateway payment not created, transaction left pending", "error", cause)
		return outcome.Fail[Payment](cause)
	}

	_, err := s.ledger.Transition(ctx, txn.ID, ledger.Change{
		To:            model.StatusFailed,
		FailureCode:   apperr.CodeOf(cause),
		FailureReason: cause.Error(),
		Source:        "gateway:create_payment",
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error failing declined transaction", "error", err)
	}
	return outcome.Fail[Payment](cause)
}
