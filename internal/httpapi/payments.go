package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
	"payment-service/internal/payment"
	"payment-service/internal/refund"
)

const defaultListWindow = 30 * 24 * time.Hour

type PaymentHandler struct {
	payments Payments
	refunds  Refunds
}

func NewPaymentHandler(payments Payments, refunds Refunds) *PaymentHandler {
	return &PaymentHandler{payments: payments, refunds: refunds}
}

type confirmRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
}

type refundRequest struct {
	// Amount is optional; without it the whole remaining amount is refunded.
	Amount         decimal.NullDecimal `json:"amount"`
	Reason         string              `json:"reason"`
	IdempotencyKey string              `json:"idempotencyKey"`
	Notes          map[string]string   `json:"notes"`
}

type refundResponse struct {
	RefundID          string             `json:"refundId"`
	Status            model.RefundStatus `json:"status"`
	Amount            decimal.Decimal    `json:"amount"`
	Currency          string             `json:"currency"`
	CreatedAt         time.Time          `json:"createdAt"`
	RefundedTotal     decimal.Decimal    `json:"refundedTotal"`
	Remaining         decimal.Decimal    `json:"remaining"`
	TransactionStatus model.Status       `json:"transactionStatus"`
}

func (h *PaymentHandler) Create(c echo.Context) error {
	var req payment.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return respond(c, http.StatusCreated, h.payments.Create(c.Request().Context(), req))
}

func (h *PaymentHandler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.payments.Get(c.Request().Context(), id))
}

// List returns a user's payments; the window defaults to the last 30 days.
func (h *PaymentHandler) List(c echo.Context) error {
	to := time.Now()
	from := to.Add(-defaultListWindow)
	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "from must be an RFC 3339 time")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "to must be an RFC 3339 time")
		}
	}
	return respond(c, http.StatusOK, h.payments.List(c.Request().Context(), c.QueryParam("userId"), from, to))
}

func (h *PaymentHandler) Confirm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req confirmRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.PaymentMethodID == "" {
		return apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "paymentMethodId is required")
	}
	return respond(c, http.StatusOK, h.payments.Confirm(c.Request().Context(), id, req.PaymentMethodID))
}

func (h *PaymentHandler) Capture(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.payments.Capture(c.Request().Context(), id))
}

func (h *PaymentHandler) Reconcile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.payments.Reconcile(c.Request().Context(), id))
}

// Refund issues a partial refund when the body names an amount and a full refund
// of the remainder otherwise.
func (h *PaymentHandler) Refund(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req refundRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	opts := refund.Request{Reason: req.Reason, IdempotencyKey: req.IdempotencyKey, Notes: req.Notes}
	var result refund.Result
	if req.Amount.Valid {
		result, err = h.refunds.PartialRefund(ctx, id, req.Amount.Decimal, opts).Unwrap()
	} else {
		result, err = h.refunds.FullRefund(ctx, id, opts).Unwrap()
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, refundResponse{
		RefundID:          result.Refund.RefundID,
		Status:            result.Refund.Status,
		Amount:            result.Refund.Amount,
		Currency:          result.Refund.Currency,
		CreatedAt:         result.Refund.CreatedAt,
		RefundedTotal:     result.RefundedTotal,
		Remaining:         result.Remaining,
		TransactionStatus: result.Transaction.Status,
	})
}

func (h *PaymentHandler) Refunds(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.refunds.History(c.Request().Context(), id))
}

// bind decodes the request body, reporting decode failures as validation errors.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.Validation, apperr.CodeInvalidRequest, err, "invalid request body")
	}
	return nil
}
