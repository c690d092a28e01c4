// Package apierr defines the typed, machine-actionable error taxonomy of the
// chat core. Every recoverable failure is an *Error carrying a stable string
// code, the HTTP status it maps to, and optional structured details. Handlers
// marshal the envelope {code, message, details?} directly.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. Codes are part of the public API contract
// and never change meaning.
type Code string

const (
	CodeNotAuthenticated       Code = "not-authenticated"
	CodeConversationNotFound   Code = "conversation-not-found"
	CodePrivilegeInsufficient  Code = "privilege-insufficient"
	CodePremiumRequiresBalance Code = "premium-requires-balance"
	CodeBalanceReserved        Code = "balance-reserved"
	CodeBillingMismatch        Code = "billing-mismatch"
	CodeRotationRequired       Code = "rotation-required"
	CodeStaleEpoch             Code = "stale-epoch"
	CodeWrapSetMismatch        Code = "wrap-set-mismatch"
	CodeAlreadyMember          Code = "already-member"
	CodeCannotRemoveOwner      Code = "cannot-remove-owner"
	CodeCannotRemoveSelf       Code = "cannot-remove-self"
	CodeBudgetExhausted        Code = "budget-exhausted"
	CodeContextLengthExceeded  Code = "context-length-exceeded"
	CodeStreamError            Code = "stream-error"
	CodeRateLimited            Code = "rate-limited"
	CodeLastMessageNotUser     Code = "last-message-not-user"
	CodeInternal               Code = "internal"
)

// statusByCode maps each code to the HTTP status surfaced before a stream
// starts. Codes emitted only in-band (rotation-required, context-length
// -exceeded, stream-error) keep a status for completeness but are normally
// delivered inside the SSE stream.
var statusByCode = map[Code]int{
	CodeNotAuthenticated:       http.StatusUnauthorized,
	CodeConversationNotFound:   http.StatusNotFound,
	CodePrivilegeInsufficient:  http.StatusForbidden,
	CodePremiumRequiresBalance: http.StatusPaymentRequired,
	CodeBalanceReserved:        http.StatusPaymentRequired,
	CodeBillingMismatch:        http.StatusConflict,
	CodeRotationRequired:       http.StatusConflict,
	CodeStaleEpoch:             http.StatusConflict,
	CodeWrapSetMismatch:        http.StatusBadRequest,
	CodeAlreadyMember:          http.StatusConflict,
	CodeCannotRemoveOwner:      http.StatusForbidden,
	CodeCannotRemoveSelf:       http.StatusForbidden,
	CodeBudgetExhausted:        http.StatusPaymentRequired,
	CodeContextLengthExceeded:  http.StatusBadRequest,
	CodeStreamError:            http.StatusBadGateway,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeLastMessageNotUser:     http.StatusBadRequest,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is the typed API error. Details is optional structured context the
// client can act on (current balance, server funding resolution, current
// epoch, pending removal ids, …).
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with the given detail key set. The receiver is
// mutated and returned for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus returns the HTTP status the error maps to. Unknown codes map
// to 500.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is allows errors.Is comparison against another *Error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// From extracts an *Error from err, wrapping unknown errors as an internal
// error so that handlers never leak raw error strings for unexpected
// failures.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
