// Package mediation defines the error taxonomy shared by the decision path,
// the privilege mediator, and the bus connection manager. Callers can always
// distinguish a policy outcome from an internal fault by the error code.
package mediation

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies the class of a mediation failure.
type Code string

const (
	CodeUncategorized        Code = "uncategorized"
	CodePolicyDenied         Code = "policy_denied"
	CodeRateLimited          Code = "rate_limited"
	CodeForbidden            Code = "forbidden"
	CodeConfirmationRequired Code = "confirmation_required"
	CodeConfirmationExpired  Code = "confirmation_expired"
	CodeConfirmationInvalid  Code = "confirmation_invalid"
	CodeAuthorizationDenied  Code = "authorization_denied"
	CodeAuthorizationTimeout Code = "authorization_timeout"
	CodeExecutorFailure      Code = "executor_failure"
	CodeTransportError       Code = "transport_error"
	CodeCatalogReload        Code = "catalog_reload_error"
	CodeInternal             Code = "internal"
)

// Error is the typed error surfaced to the protocol front-end. Reason carries
// the matched category (or "uncategorized") and the tier reason, never raw
// rule-engine state.
type Error struct {
	Code       Code
	Category   string
	Reason     string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Reason)
	if e.Category != "" {
		msg = fmt.Sprintf("%s (category=%s)", msg, e.Category)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the caller may retry the operation. Forbidden and
// AuthorizationDenied are permanent and must never be retried automatically.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeRateLimited, CodeTransportError, CodeAuthorizationTimeout:
		return true
	default:
		return false
	}
}

// New constructs a mediation error.
func New(code Code, category, reason string) *Error {
	return &Error{Code: code, Category: category, Reason: reason}
}

// Wrap constructs a mediation error carrying an underlying cause.
func Wrap(code Code, category, reason string, cause error) *Error {
	return &Error{Code: code, Category: category, Reason: reason, Cause: cause}
}

// CodeOf extracts the mediation code from err, or CodeInternal when err is not
// a mediation error.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a retryable mediation code.
func IsRetryable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable()
	}
	return false
}
