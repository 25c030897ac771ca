// Package apperr defines the domain error taxonomy shared by the matchmaking
// core and its adapters. Every error is a sentinel *Error; call sites wrap it
// with context via fmt.Errorf("...: %w", ErrX) and callers match with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Error is a classified domain failure.
type Error struct {
	Code     string
	Message  string
	UserKey  string // localization key shown to the end user
	Severity Severity
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

var (
	ErrNotRegistered     = &Error{Code: "E100", Message: "user not registered", UserKey: "err_not_registered", Severity: SeverityLow}
	ErrProfileIncomplete = &Error{Code: "E101", Message: "profile incomplete", UserKey: "err_profile_incomplete", Severity: SeverityLow}
	ErrNotInPool         = &Error{Code: "E102", Message: "user not in pool", UserKey: "err_not_in_pool", Severity: SeverityLow}

	ErrAlreadyBound = &Error{Code: "E200", Message: "user already in a conversation", UserKey: "err_already_bound", Severity: SeverityLow}
	ErrNotBound     = &Error{Code: "E201", Message: "user not in a conversation", UserKey: "err_not_bound", Severity: SeverityLow}
	ErrNoMatchFound = &Error{Code: "E202", Message: "no matching partner", UserKey: "err_no_match", Severity: SeverityLow}
	// ErrBrokenSession means the stored binding was not symmetric; the
	// requester's side has been reset.
	ErrBrokenSession = &Error{Code: "E203", Message: "conversation state inconsistent", UserKey: "err_broken_session", Severity: SeverityHigh}

	ErrInsufficientFunds = &Error{Code: "E300", Message: "insufficient points", UserKey: "err_insufficient_funds", Severity: SeverityLow}
	ErrInvalidAmount     = &Error{Code: "E301", Message: "invalid amount", UserKey: "err_invalid_amount", Severity: SeverityMedium}

	ErrDeliveryFailed  = &Error{Code: "E400", Message: "message delivery failed", UserKey: "err_delivery_failed", Severity: SeverityMedium}
	ErrUnsupportedUnit = &Error{Code: "E401", Message: "unsupported message type", UserKey: "unsupported_message_type", Severity: SeverityLow}
	ErrInvalidFilter   = &Error{Code: "E402", Message: "invalid search filter", UserKey: "err_invalid_filter", Severity: SeverityLow}
)

// Wrap annotates err with a formatted message while keeping it matchable.
func Wrap(err *Error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr, true
	}
	return nil, false
}

// IsDomain reports whether err is one of the classified domain errors.
// Anything else is an infrastructure failure.
func IsDomain(err error) bool {
	_, ok := As(err)
	return ok
}

// UserKey returns the localization key for err, or "err_internal" when err
// is not a domain error.
func UserKey(err error) string {
	if appErr, ok := As(err); ok && appErr.UserKey != "" {
		return appErr.UserKey
	}
	return "err_internal"
}
