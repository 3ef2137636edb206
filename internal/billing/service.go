// Package billing owns subscriptions: creating them with their gateway customer
// and plan binding, cancelling them, and activating or renewing them once a
// payment for them completes.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"payment-service/internal/apperr"
	"payment-service/internal/gateway"
	"payment-service/internal/ledger"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
	"payment-service/internal/storage"
)

var validate = validator.New()

type CreateRequest struct {
	UserID     string                `json:"userId" validate:"required,max=100"`
	PlanID     string                `json:"planId" validate:"required,max=100"`
	Gateway    model.Gateway         `json:"gateway" validate:"required,oneof=RAZORPAY STRIPE"`
	Interval   model.BillingInterval `json:"interval" validate:"omitempty,oneof=MONTHLY YEARLY"`
	Email      string                `json:"email" validate:"omitempty,email,max=200"`
	Name       string                `json:"name" validate:"max=150"`
	Phone      string                `json:"phone" validate:"max=20"`
	TotalCount int                   `json:"totalCount" validate:"gte=0,lte=1200"`
}

func (r CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "invalid subscription request")
	}
	return nil
}

type Service struct {
	store  storage.Store
	router *gateway.Router
	logger *slog.Logger
	now    func() time.Time
	newID  func() uuid.UUID
}

func NewService(store storage.Store, router *gateway.Router, logger *slog.Logger) *Service {
	return &Service{store: store, router: router, logger: logger, now: time.Now, newID: uuid.New}
}

// Create stores a PENDING subscription, then creates the gateway customer and plan
// binding for it. A gateway failure leaves the subscription flagged for attention.
func (s *Service) Create(ctx context.Context, req CreateRequest) outcome.Outcome[*model.Subscription] {
	if err := req.Validate(); err != nil {
		return outcome.Fail[*model.Subscription](err)
	}
	if req.Interval == "" {
		req.Interval = model.IntervalMonthly
	}

	now := s.now()
	sub := &model.Subscription{
		ID:        s.newID(),
		UserID:    req.UserID,
		PlanID:    req.PlanID,
		Gateway:   req.Gateway,
		Interval:  req.Interval,
		Status:    model.SubscriptionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Subscriptions().Insert(ctx, sub); err != nil {
			return err
		}
		return ledger.Audit(ctx, tx, model.EntitySubscription, sub.ID.String(), "create", "success", map[string]string{
			"planId":  sub.PlanID,
			"gateway": sub.Gateway.String(),
		}, now)
	})
	if err != nil {
		return outcome.Fail[*model.Subscription](err)
	}

	customer, err := s.router.CreateCustomer(ctx, req.Gateway, gateway.CustomerRequest{
		UserID:         req.UserID,
		Email:          req.Email,
		Name:           req.Name,
		Phone:          req.Phone,
		IdempotencyKey: "customer-" + sub.ID.String(),
	}).Unwrap()
	if err != nil {
		return s.bindingFailed(ctx, sub, err)
	}
	sub.GatewayCustomerID = &customer.ID

	binding, err := s.router.CreateSubscriptionBinding(ctx, req.Gateway, gateway.SubscriptionRequest{
		CustomerID:     customer.ID,
		PlanID:         req.PlanID,
		TotalCount:     req.TotalCount,
		IdempotencyKey: "subscription-" + sub.ID.String(),
	}).Unwrap()
	if err != nil {
		return s.bindingFailed(ctx, sub, err)
	}
	sub.GatewaySubscriptionID = &binding.ID

	if err := s.save(ctx, sub, "bind", "success", map[string]string{"gatewaySubscriptionId": binding.ID}); err != nil {
		return outcome.Fail[*model.Subscription](err)
	}

	s.logger.InfoContext(ctx, "Created subscription", "subscriptionId", sub.ID, "gateway", sub.Gateway,
		"gatewaySubscriptionId", binding.ID)
	metrics.RecordOutcome("subscription_create", sub.Gateway.String(), metrics.OutcomeSuccess)
	return outcome.Ok(sub)
}

// Cancel cancels the gateway binding, if any, and marks the subscription CANCELLED.
// Cancelling a cancelled subscription is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Subscription] {
	sub, err := s.Get(ctx, id).Unwrap()
	if err != nil {
		return outcome.Fail[*model.Subscription](err)
	}
	if sub.Status == model.SubscriptionCancelled {
		return outcome.Ok(sub)
	}

	if sub.GatewaySubscriptionID != nil {
		cancelled := s.router.CancelSubscriptionBinding(ctx, sub.Gateway, *sub.GatewaySubscriptionID)
		if !cancelled.IsOk() {
			s.logger.WarnContext(ctx, "Error cancelling gateway subscription", "subscriptionId", sub.ID, "error", cancelled.Err())
			metrics.RecordOutcome("subscription_cancel", sub.Gateway.String(), metrics.OutcomeFailure)
			return outcome.Fail[*model.Subscription](cancelled.Err())
		}
	}

	sub.Status = model.SubscriptionCancelled
	if err := s.save(ctx, sub, "cancel", "success", nil); err != nil {
		return outcome.Fail[*model.Subscription](err)
	}
	s.logger.InfoContext(ctx, "Cancelled subscription", "subscriptionId", sub.ID)
	metrics.RecordOutcome("subscription_cancel", sub.Gateway.String(), metrics.OutcomeSuccess)
	return outcome.Ok(sub)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Subscription] {
	var sub *model.Subscription
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		sub, err = tx.Subscriptions().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return outcome.Fail[*model.Subscription](subscriptionNotFound(err, id))
	}
	return outcome.Ok(sub)
}

func (s *Service) bindingFailed(ctx context.Context, sub *model.Subscription, cause error) outcome.Outcome[*model.Subscription] {
	s.logger.ErrorContext(ctx, "Error binding subscription at gateway", "subscriptionId", sub.ID, "error", cause)
	metrics.RecordOutcome("subscription_create", sub.Gateway.String(), metrics.OutcomeFailure)

	message := cause.Error()
	sub.NeedsAttention = true
	sub.LastError = &message
	if err := s.save(ctx, sub, "bind", "failed", map[string]string{"code": apperr.CodeOf(cause)}); err != nil {
		s.logger.ErrorContext(ctx, "Error flagging subscription", "subscriptionId", sub.ID, "error", err)
	}
	return outcome.Fail[*model.Subscription](cause)
}

func (s *Service) save(ctx context.Context, sub *model.Subscription, action, result string, details map[string]string) error {
	now := s.now()
	sub.UpdatedAt = now
	return s.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return subscriptionNotFound(err, sub.ID)
		}
		return ledger.Audit(ctx, tx, model.EntitySubscription, sub.ID.String(), action, result, details, now)
	})
}

func subscriptionNotFound(err error, id uuid.UUID) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, apperr.CodeSubscriptionNotFound, err, "subscription "+id.String()+" not found")
	}
	return err
}
