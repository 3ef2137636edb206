package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
	"payment-service/internal/webhook"
)

const (
	maxWebhookBody       = 1 << 20
	defaultListLimit     = 50
	maxListLimit         = 500
	webhookStatusApplied = "processed"
	webhookStatusDupe    = "duplicate"
)

type WebhookHandler struct {
	webhooks Webhooks
}

func NewWebhookHandler(webhooks Webhooks) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

type webhookResponse struct {
	Status        string       `json:"status"`
	RecordID      uuid.UUID    `json:"recordId"`
	EventType     string       `json:"eventType,omitempty"`
	TransactionID *uuid.UUID   `json:"transactionId,omitempty"`
	PaymentStatus model.Status `json:"paymentStatus,omitempty"`
	Transition    string       `json:"transition,omitempty"`
}

func newWebhookResponse(result webhook.Result) webhookResponse {
	status := webhookStatusApplied
	if result.Duplicate {
		status = webhookStatusDupe
	}
	return webhookResponse{
		Status:        status,
		RecordID:      result.RecordID,
		EventType:     result.EventType,
		TransactionID: result.TransactionID,
		PaymentStatus: result.Status,
		Transition:    result.Transition,
	}
}

// Receive accepts a notification for the gateway named in the path. The raw body
// is passed on untouched since signatures cover its exact bytes.
func (h *WebhookHandler) Receive(c echo.Context) error {
	gw := model.Gateway(strings.ToUpper(c.Param("gateway")))

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		return apperr.Wrap(apperr.Validation, apperr.CodeMalformedPayload, err, "could not read webhook body")
	}

	result, err := h.webhooks.Handle(c.Request().Context(), webhook.Delivery{
		Gateway:    gw,
		Payload:    body,
		Headers:    c.Request().Header,
		ReceivedAt: time.Now(),
	}).Unwrap()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newWebhookResponse(result))
}

func (h *WebhookHandler) Replay(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	result, err := h.webhooks.Replay(c.Request().Context(), id).Unwrap()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newWebhookResponse(result))
}

func (h *WebhookHandler) Unprocessed(c echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			return apperr.Newf(apperr.Validation, apperr.CodeInvalidRequest, "limit must be between 1 and %d", maxListLimit)
		}
		limit = n
	}

	records, err := h.webhooks.Unprocessed(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

func (h *WebhookHandler) AuditTrail(c echo.Context) error {
	entityType := c.Param("entityType")
	switch entityType {
	case model.EntityTransaction, model.EntityWebhook, model.EntitySubscription:
	default:
		return apperr.Newf(apperr.Validation, apperr.CodeInvalidRequest, "unknown entity type %q", entityType)
	}

	entries, err := h.webhooks.AuditTrail(c.Request().Context(), entityType, c.Param("entityId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "invalid id "+strconv.Quote(c.Param("id")))
	}
	return id, nil
}
