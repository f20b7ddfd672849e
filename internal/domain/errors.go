package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the request pipeline. Callers classify with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrInvalidSymbol marks input that no normalization rule accepts.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrValidation marks a malformed request parameter (dates, adjust, period).
	ErrValidation = errors.New("invalid request parameter")

	// ErrNoTradingDays means the requested range contains no trading days.
	ErrNoTradingDays = errors.New("no trading days in range")

	// ErrCalendarRange means a date falls outside the supported calendar horizon.
	ErrCalendarRange = errors.New("date outside supported calendar range")

	// ErrUpstreamOverloaded is returned when the fetch queue cap is exceeded.
	ErrUpstreamOverloaded = errors.New("upstream fetch queue is full")

	// ErrDataUnavailable means upstream failed and no cached fallback exists.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrInternalInconsistency means committed rows diverge from fetch accounting.
	ErrInternalInconsistency = errors.New("store rows diverge from fetch accounting")
)

// Upstream error codes.
const (
	UpstreamCodeTransient     = "transient"
	UpstreamCodeInvalidSymbol = "invalid_symbol"
	UpstreamCodeNotFound      = "not_found"
	UpstreamCodeUnauthorized  = "unauthorized"
	UpstreamCodeUnknown       = "unknown"
)

// UpstreamError describes a failure talking to the market-data source.
// Retryable is true only for transient conditions (timeouts, 5xx,
// connection resets); the fetch coordinator consults it before backing off.
type UpstreamError struct {
	Op        string // Adapter operation, e.g. "fetch_daily"
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %s (%s): %v", e.Op, e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %s (%s)", e.Op, e.Message, e.Code)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is an upstream error worth retrying.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// ErrorCode maps any pipeline error to its taxonomy code for request
// logging and API responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNoTradingDays):
		return "no_trading_days"
	case errors.Is(err, ErrCalendarRange):
		return "calendar_range"
	case errors.Is(err, ErrUpstreamOverloaded):
		return "upstream_overloaded"
	case errors.Is(err, ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, ErrInternalInconsistency):
		return "internal_inconsistency"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return "upstream_fail"
		}
		return "internal"
	}
}
