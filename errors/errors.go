// Package errors provides the error model shared by the shopfront gateway.
// It includes structured error types, JSON response formatting, request ID tracking,
// and integrated logging with Uber's zap logger.
//
// The same ShopfrontError type covers HTTP-facing failures (validation, auth,
// rate limiting) and the failures recorded by a translation fan-out, where a
// variant either fails in its call-out or returns content that cannot be used:
//
//	err := errors.NewCallOutError(aggregationID, "French", cause)
//	if errors.IsType(err, errors.CallOutError) { ... }
//
// Basic HTTP usage:
//
//	errors.ErrorWithType(w, "Invalid input", errors.ValidationError, http.StatusBadRequest)
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the gateway.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger replaces DefaultLogger. A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType categorizes a ShopfrontError. Each type maps to a default HTTP
// status in its constructor.
type ErrorType string

const (
	// AuthError represents authentication and authorization failures
	AuthError ErrorType = "authentication_error"

	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"

	// ConfigError represents configuration-related errors
	ConfigError ErrorType = "config_error"

	// ProviderError represents errors from LLM providers
	ProviderError ErrorType = "provider_error"

	// RateLimitError represents rate limiting errors
	RateLimitError ErrorType = "rate_limit_error"

	// NotFoundError represents resource not found errors
	NotFoundError ErrorType = "not_found"

	// UnavailableError is returned when the gateway sheds load, e.g. a full queue
	UnavailableError ErrorType = "service_unavailable"

	// ConflictError is returned when a resource is busy, e.g. a chat turn in flight
	ConflictError ErrorType = "conflict"

	// InvalidArgumentError is a programming error at a call boundary, such as
	// starting a fan-out with no variants
	InvalidArgumentError ErrorType = "invalid_argument"

	// CallOutError is a variant whose model call-out failed or timed out
	CallOutError ErrorType = "call_out_failure"

	// MalformedResponseError is a variant whose call-out succeeded but whose
	// content could not be decoded
	MalformedResponseError ErrorType = "malformed_response"
)

// ShopfrontError implements the error interface and carries the context needed
// to serialize it for API clients while keeping the underlying cause for logs.
type ShopfrontError struct {
	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a request or an aggregation
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

// Error combines the error type, message, and underlying error (if any).
func (e *ShopfrontError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ShopfrontError) Unwrap() error {
	return e.err
}

// Is matches on Type only, so errors.Is(err, &ShopfrontError{Type: CallOutError})
// works regardless of message or request.
func (e *ShopfrontError) Is(target error) bool {
	t, ok := target.(*ShopfrontError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Variant returns the fan-out variant label recorded in Details, if any.
func (e *ShopfrontError) Variant() string {
	if v, ok := e.Details["variant"].(string); ok {
		return v
	}
	return ""
}

// WriteError writes err as a JSON response with its status code.
func WriteError(w http.ResponseWriter, err *ShopfrontError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	json.NewEncoder(w).Encode(err)
}

// Error is a drop-in replacement for http.Error that writes an InternalError
// carrying the request ID from the response headers.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is like Error but allows specifying the error type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &ShopfrontError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
