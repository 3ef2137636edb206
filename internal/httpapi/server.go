// Package httpapi exposes the payment service over HTTP: gateway webhooks,
// payment and refund operations, subscriptions and operator endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"

	"payment-service/internal/billing"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
	"payment-service/internal/payment"
	"payment-service/internal/refund"
	"payment-service/internal/webhook"
)

type Webhooks interface {
	Handle(ctx context.Context, d webhook.Delivery) outcome.Outcome[webhook.Result]
	Replay(ctx context.Context, recordID uuid.UUID) outcome.Outcome[webhook.Result]
	Unprocessed(ctx context.Context, limit int) ([]*model.WebhookRecord, error)
	AuditTrail(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error)
}

type Payments interface {
	Create(ctx context.Context, req payment.CreateRequest) outcome.Outcome[payment.Payment]
	Get(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Transaction]
	List(ctx context.Context, userID string, from, to time.Time) outcome.Outcome[[]*model.Transaction]
	Confirm(ctx context.Context, id uuid.UUID, methodID string) outcome.Outcome[*model.Transaction]
	Capture(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Transaction]
	Reconcile(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Transaction]
}

type Refunds interface {
	FullRefund(ctx context.Context, id uuid.UUID, req refund.Request) outcome.Outcome[refund.Result]
	PartialRefund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, req refund.Request) outcome.Outcome[refund.Result]
	History(ctx context.Context, id uuid.UUID) outcome.Outcome[[]model.RefundRecord]
}

type Subscriptions interface {
	Create(ctx context.Context, req billing.CreateRequest) outcome.Outcome[*model.Subscription]
	Get(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Subscription]
	Cancel(ctx context.Context, id uuid.UUID) outcome.Outcome[*model.Subscription]
}

// NewServer builds the echo instance with every route registered.
func NewServer(webhooks Webhooks, payments Payments, refunds Refunds, subscriptions Subscriptions, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.DebugContext(c.Request().Context(), "Request served", "method", v.Method, "uri", v.URI,
				"status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	webhookHandler := NewWebhookHandler(webhooks)
	e.POST("/webhooks/:gateway", webhookHandler.Receive)

	admin := e.Group("/admin")
	admin.POST("/webhooks/:id/replay", webhookHandler.Replay)
	admin.GET("/webhooks/unprocessed", webhookHandler.Unprocessed)
	admin.GET("/audit/:entityType/:entityId", webhookHandler.AuditTrail)

	paymentHandler := NewPaymentHandler(payments, refunds)
	e.POST("/payments", paymentHandler.Create)
	e.GET("/payments", paymentHandler.List)
	e.GET("/payments/:id", paymentHandler.Get)
	e.POST("/payments/:id/confirm", paymentHandler.Confirm)
	e.POST("/payments/:id/capture", paymentHandler.Capture)
	e.POST("/payments/:id/reconcile", paymentHandler.Reconcile)
	e.POST("/payments/:id/refunds", paymentHandler.Refund)
	e.GET("/payments/:id/refunds", paymentHandler.Refunds)

	subscriptionHandler := NewSubscriptionHandler(subscriptions)
	e.POST("/subscriptions", subscriptionHandler.Create)
	e.GET("/subscriptions/:id", subscriptionHandler.Get)
	e.POST("/subscriptions/:id/cancel", subscriptionHandler.Cancel)

	e.GET("/liveness", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
		c.Response().WriteHeader(http.StatusOK)
		metrics.WritePrometheus(c.Response())
		return nil
	})

	return e
}

// respond writes the outcome's value with status, or hands its error to the
// error handler.
func respond[T any](c echo.Context, status int, o outcome.Outcome[T]) error {
	return outcome.Fold(o,
		func(v T) error { return c.JSON(status, v) },
		func(err error) error { return err },
	)
}
