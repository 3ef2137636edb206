// Package httpclient is the REST client shared by gateway adapters. It turns
// transport failures and HTTP statuses into categorized errors.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"payment-service/internal/apperr"
)

const maxResponseBody = 1 << 20

// Auth decorates an outgoing request with credentials.
type Auth func(r *http.Request)

func BasicAuth(username, password string) Auth {
	return func(r *http.Request) { r.SetBasicAuth(username, password) }
}

func BearerAuth(token string) Auth {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// ErrorDecoder extracts the gateway's own error code and message from a non-2xx body.
type ErrorDecoder func(body []byte) (code, message string)

type Request struct {
	Method  string
	Path    string
	Query   url.Values
	JSON    any
	Form    url.Values
	Headers map[string]string
}

type Client struct {
	name        string
	baseURL     string
	client      *http.Client
	auth        Auth
	decodeError ErrorDecoder
	logger      *slog.Logger
}

func New(name, baseURL string, timeout time.Duration, auth Auth, decodeError ErrorDecoder, logger *slog.Logger) *Client {
	return &Client{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		auth:        auth,
		decodeError: decodeError,
		logger:      logger,
	}
}

// Do sends req and decodes a 2xx JSON response into out when out is not nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return apperr.Wrap(apperr.Internal, apperr.CodeInvalidRequest, err, "building gateway request")
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "Gateway request failed", "gateway", c.name, "method", req.Method, "path", req.Path, "error", err)
		return apperr.Wrap(apperr.Transient, apperr.CodeGatewayUnavailable,
			errors.Wrapf(err, "%s %s", req.Method, req.Path), fmt.Sprintf("%s is unreachable", c.name))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return apperr.Wrap(apperr.Transient, apperr.CodeGatewayUnavailable,
			errors.Wrapf(err, "reading %s %s response", req.Method, req.Path), fmt.Sprintf("%s response was cut short", c.name))
	}

	c.logger.InfoContext(ctx, "Gateway response", "gateway", c.name, "method", req.Method, "path", req.Path,
		"status", resp.StatusCode, "durationMs", time.Since(start).Milliseconds())

	if resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.Internal, apperr.CodeGatewayRejected,
			errors.Wrapf(err, "decoding %s %s response", req.Method, req.Path), fmt.Sprintf("unexpected %s response", c.name))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.auth != nil {
		c.auth(httpReq)
	}
	return httpReq, nil
}

// statusError never includes the raw body, which may echo request data.
func (c *Client) statusError(status int, body []byte) error {
	code, message := "", ""
	if c.decodeError != nil {
		code, message = c.decodeError(body)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	detail := fmt.Sprintf("%s responded %d: %s", c.name, status, message)
	if code != "" {
		detail = fmt.Sprintf("%s responded %d (%s): %s", c.name, status, code, message)
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.New(apperr.Transient, apperr.CodeGatewayUnavailable, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.Configuration, apperr.CodeGatewayMisconfigured, detail)
	case status == http.StatusConflict:
		return apperr.New(apperr.Conflict, apperr.CodeConcurrentModification, detail)
	default:
		return apperr.Wrap(apperr.Rejected, apperr.CodeGatewayRejected,
			&GatewayError{Status: status, Code: code, Message: message}, detail)
	}
}

// GatewayError carries the gateway's own verdict on a rejected request.
type GatewayError struct {
	Status  int
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d %s: %s", e.Status, e.Code, e.Message)
}
