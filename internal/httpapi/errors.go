package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"payment-service/internal/apperr"
)

type errorResponse struct {
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// StatusFor maps an error category onto the HTTP status callers see.
func StatusFor(err error) int {
	if apperr.Is(err, apperr.CodeUnsupportedGateway) {
		return http.StatusNotFound
	}
	switch apperr.CategoryOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Security:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Rejected:
		return http.StatusPaymentRequired
	case apperr.Transient, apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as JSON. Categorized errors keep their
// message; anything else is reported generically.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var httpErr *echo.HTTPError
		var appErr *apperr.Error
		status := http.StatusInternalServerError
		body := errorResponse{Category: string(apperr.Internal), Message: "internal error"}

		switch {
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = errorResponse{Category: "http", Message: http.StatusText(status)}
			if msg, ok := httpErr.Message.(string); ok && msg != "" {
				body.Message = msg
			}
		case errors.As(err, &appErr):
			status = StatusFor(err)
			body = errorResponse{Category: string(appErr.Category), Code: appErr.Code, Message: appErr.Message}
		}

		ctx := c.Request().Context()
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "Request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
		} else {
			logger.InfoContext(ctx, "Request rejected", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.ErrorContext(ctx, "Error writing error response", "error", err)
		}
	}
}
