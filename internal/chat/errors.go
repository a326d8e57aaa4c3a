package chat

import (
	"errors"
	"fmt"
)

// ProviderError reports a failed call to an external provider (embedding or
// delivery). Provider errors are always retryable.
type ProviderError struct {
	Provider string // "embedding" or "delivery"
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a ProviderError. A nil err returns nil, and an
// err that already is a ProviderError is returned unchanged.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsProviderError reports whether err (or anything it wraps) is a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
