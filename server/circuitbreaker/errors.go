package circuitbreaker

import (
	"errors"

	"github.com/sony/gobreaker"
)

var (
	// ErrOpen is returned when the circuit breaker is open
	ErrOpen = gobreaker.ErrOpenState

	// ErrTooManyRequests is returned when a half-open breaker is already probing
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// IsRejected reports whether err means the breaker refused the call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}
