package errors

import (
	"context"
	stderrors "errors"
	"net/http"
)

// NewError creates a ShopfrontError with full control over its fields.
// Prefer the specialized constructors below.
//
// Example:
//
//	err := NewError(InternalError, "template render failed", 500, "req_123", nil, tmplErr)
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *ShopfrontError {
	return &ShopfrontError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewAuthError creates an authentication error, e.g. a missing bearer token.
func NewAuthError(requestID, message string, err error) *ShopfrontError {
	return &ShopfrontError{
		Type:      AuthError,
		Message:   message,
		Code:      http.StatusUnauthorized,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"suggestion": "Please check your authentication credentials",
		},
	}
}

// NewValidationError creates a validation error for malformed requests.
//
// Example:
//
//	err := NewValidationError("req_123", "Invalid languages", map[string]interface{}{
//	    "field": "languages",
//	    "error": "must not be empty",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *ShopfrontError {
	return &ShopfrontError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRateLimitError creates a rate limit error with a retry hint in seconds.
func NewRateLimitError(requestID string, retryAfter int) *ShopfrontError {
	return &ShopfrontError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewProviderError creates an error for failures of the underlying LLM provider.
func NewProviderError(requestID string, message string, err error) *ShopfrontError {
	return &ShopfrontError{
		Type:      ProviderError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewNotFoundError creates an error for a missing resource such as a chat session.
func NewNotFoundError(requestID, resource, id string) *ShopfrontError {
	return &ShopfrontError{
		Type:      NotFoundError,
		Message:   resource + " not found",
		Code:      http.StatusNotFound,
		RequestID: requestID,
		Details: map[string]interface{}{
			"id": id,
		},
	}
}

// NewConflictError creates an error for a resource that is busy.
func NewConflictError(requestID, message string) *ShopfrontError {
	return &ShopfrontError{
		Type:      ConflictError,
		Message:   message,
		Code:      http.StatusConflict,
		RequestID: requestID,
	}
}

// NewUnavailableError creates an error for requests rejected under load.
func NewUnavailableError(requestID, message string) *ShopfrontError {
	return &ShopfrontError{
		Type:      UnavailableError,
		Message:   message,
		Code:      http.StatusServiceUnavailable,
		RequestID: requestID,
	}
}

// NewInternalError creates an internal server error for unexpected failures.
func NewInternalError(requestID string, err error) *ShopfrontError {
	return &ShopfrontError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}

// NewInvalidArgumentError reports a misuse of an API boundary. It is returned
// synchronously and never recorded as a variant outcome.
func NewInvalidArgumentError(requestID, message string) *ShopfrontError {
	return &ShopfrontError{
		Type:      InvalidArgumentError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
	}
}

// NewCallOutError records a failed call-out for one fan-out variant.
// Deadline and cancellation causes are reported with a timeout status.
func NewCallOutError(requestID, variant string, err error) *ShopfrontError {
	code := http.StatusBadGateway
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
	}
	return &ShopfrontError{
		Type:      CallOutError,
		Message:   "call-out failed for variant " + variant,
		Code:      code,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"variant": variant,
		},
	}
}

// NewMalformedResponseError records a call-out whose content could not be decoded.
func NewMalformedResponseError(requestID, variant string, err error) *ShopfrontError {
	return &ShopfrontError{
		Type:      MalformedResponseError,
		Message:   "malformed response for variant " + variant,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"variant": variant,
		},
	}
}
