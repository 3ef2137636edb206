package apperr

import (
	"errors"
	"fmt"
)

type Category string

const (
	Validation    Category = "validation"
	Transient     Category = "transient"
	Rejected      Category = "rejected"
	Security      Category = "security"
	Configuration Category = "configuration"
	NotFound      Category = "not_found"
	Conflict      Category = "conflict"
	Unavailable   Category = "unavailable"
	Internal      Category = "internal"
)

// Stable failure codes surfaced to callers.
const (
	CodeMalformedPayload         = "malformed_payload"
	CodeInvalidSignature         = "invalid_signature"
	CodeUnsupportedGateway       = "unsupported_gateway"
	CodeUnrecognizedPaymentID    = "unrecognized_payment_id"
	CodeIllegalTransition        = "illegal_transition"
	CodeTerminalState            = "terminal_state"
	CodeTransactionNotFound      = "transaction_not_found"
	CodeNotEligibleForReplay     = "not_eligible_for_replay"
	CodeRefundNotCompleted       = "refund_not_completed"
	CodeRefundWindowExpired      = "refund_window_expired"
	CodeExceedsRefundable        = "exceeds_refundable_amount"
	CodeBelowMinimumRefund       = "below_minimum_refund"
	CodeInvalidAmount            = "invalid_amount"
	CodeCircuitOpen              = "circuit_open"
	CodeGatewayRejected          = "gateway_rejected"
	CodeGatewayUnavailable       = "gateway_unavailable"
	CodeGatewayMisconfigured     = "gateway_misconfigured"
	CodeInvalidRequest           = "invalid_request"
	CodeConcurrentModification   = "concurrent_modification"
	CodeSubscriptionNotFound     = "subscription_not_found"
	CodeWebhookRecordNotFound    = "webhook_record_not_found"
	CodeRefundInProgress         = "refund_in_progress"
	CodeGatewayIDAlreadyAssigned = "gateway_id_already_assigned"
)

type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

func Newf(category Category, code, format string, args ...any) *Error {
	return &Error{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(category Category, code string, err error, message string) *Error {
	return &Error{Category: category, Code: code, Message: message, Err: err}
}

// CategoryOf returns the category of the first *Error in the chain, Internal otherwise.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Internal
}

// CodeOf returns the code of the first *Error in the chain, empty otherwise.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && CategoryOf(err) == Transient
}

func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
