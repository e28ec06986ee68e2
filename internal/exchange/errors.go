// Package exchange defines the uniform trading surface over a REST venue
// and its error taxonomy. The engine, monitor and optimizer depend only on
// the Adapter interface so tests can swap in a fake.
package exchange

import (
	"errors"
	"fmt"

	"github.com/jbeckert/crosswind/internal/clients/bybit"
)

// Error kinds. Transient errors (network, 5xx, rate limits) are worth
// retrying next cycle and feed the circuit breaker; fatal errors
// (auth, permission) pause trading until an operator intervenes.
var (
	ErrTransient = errors.New("transient exchange error")
	ErrFatal     = errors.New("fatal exchange error")
)

// Transient wraps err as a retryable exchange error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Fatal wraps err as a non-retryable exchange error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err is an auth/permission class failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// classify maps a raw client error onto the adapter taxonomy and names a
// category for the circuit-breaker feed.
func classify(err error) (error, string) {
	switch {
	case err == nil:
		return nil, ""
	case bybit.IsAuthError(err):
		return Fatal(err), "auth"
	case bybit.IsTransient(err):
		return Transient(err), "transient"
	default:
		// Unclassified client errors (malformed payloads, unexpected
		// schemas) are treated as transient so a single bad response
		// cannot permanently pause trading.
		return Transient(err), "protocol"
	}
}
