package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"payment-service/internal/billing"
)

type SubscriptionHandler struct {
	subscriptions Subscriptions
}

func NewSubscriptionHandler(subscriptions Subscriptions) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

func (h *SubscriptionHandler) Create(c echo.Context) error {
	var req billing.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return respond(c, http.StatusCreated, h.subscriptions.Create(c.Request().Context(), req))
}

func (h *SubscriptionHandler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.subscriptions.Get(c.Request().Context(), id))
}

func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.subscriptions.Cancel(c.Request().Context(), id))
}
