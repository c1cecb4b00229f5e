package order

import (
	"errors"
	"fmt"
)

// ValidationReason classifies a ValidationError.
type ValidationReason string

const (
	NotionalTooSmall  ValidationReason = "NOTIONAL_TOO_SMALL"
	InvalidSymbolRule ValidationReason = "INVALID_SYMBOL_RULE"
	MalformedPlan     ValidationReason = "MALFORMED_PLAN"
	MalformedInput    ValidationReason = "MALFORMED_INPUT"
	SymbolNotTradable ValidationReason = "SYMBOL_NOT_TRADABLE"
)

// ValidationError is raised before any network effect and is never retried.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Detail)
}

// NewValidationError formats a ValidationError.
func NewValidationError(reason ValidationReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError with the given reason.
// An empty reason matches any ValidationError.
func IsValidation(err error, reason ValidationReason) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return reason == "" || ve.Reason == reason
}
