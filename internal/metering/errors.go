package metering

import (
	"fmt"

	"github.com/Mawilis/legal-doc-system-sub003/internal/pricing"
)

// ErrUnknownPricingModel is returned when an event references a model id the
// pricing catalog does not carry. It is fatal for that event only.
var ErrUnknownPricingModel = pricing.ErrUnknownModel

// ValidationError rejects a usage event before any cost is computed. It
// names the offending field so callers can surface it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid usage event: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
