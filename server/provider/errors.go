package provider

import "errors"

var (
	// ErrNoHealthyProvider indicates that no healthy provider is available
	ErrNoHealthyProvider = errors.New("no healthy provider available")

	// ErrUnknownProvider is returned when a named provider is not configured
	ErrUnknownProvider = errors.New("unknown provider")
)
