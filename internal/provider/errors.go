package provider

import (
	"errors"
	"fmt"
)

// ErrMalformedOutput marks a response that could not be parsed into insights.
var ErrMalformedOutput = errors.New("malformed provider output")

// Error wraps a failure from an embedding or summarization backend.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: provider, Op: op, Err: err}
}

// IsProviderError reports whether err came from a provider.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
