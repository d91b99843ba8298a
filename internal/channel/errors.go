package channel

import (
	"errors"
	"fmt"
)

// ProviderError is the shared error taxonomy every adapter translates
// provider failures into. Temporary errors (rate limits, timeouts,
// 5xx) are retried with backoff; permanent errors (bad identifier,
// revoked consent, other 4xx) fail the job immediately.
type ProviderError struct {
	Temporary bool
	Channel   Channel
	Message   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, e.Message)
}

// NewTemporary wraps a transient provider failure.
func NewTemporary(ch Channel, format string, args ...any) *ProviderError {
	return &ProviderError{Temporary: true, Channel: ch, Message: fmt.Sprintf(format, args...)}
}

// NewPermanent wraps a non-retryable provider failure.
func NewPermanent(ch Channel, format string, args ...any) *ProviderError {
	return &ProviderError{Temporary: false, Channel: ch, Message: fmt.Sprintf(format, args...)}
}

// IsTemporaryError checks if the error is worth retrying. Unknown
// errors are assumed temporary.
func IsTemporaryError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	return true
}
