package errors

import (
	"errors"
)

const RequestIDKey = "request_id"

// ErrorResponse is the client-facing shape of an error, used where an error is
// embedded in a larger payload (e.g. a failed variant in a settlement event).
type ErrorResponse struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsType reports whether err wraps a ShopfrontError of the given type.
func IsType(err error, errType ErrorType) bool {
	var se *ShopfrontError
	if !errors.As(err, &se) {
		return false
	}
	return se.Type == errType
}

// ToResponse converts any error into an ErrorResponse. Errors that are not
// ShopfrontErrors become InternalError with their message preserved.
func ToResponse(err error) *ErrorResponse {
	if err == nil {
		return nil
	}
	var se *ShopfrontError
	if errors.As(err, &se) {
		msg := se.Message
		if se.err != nil {
			msg = se.Message + ": " + se.err.Error()
		}
		return &ErrorResponse{
			Type:      se.Type,
			Message:   msg,
			RequestID: se.RequestID,
			Details:   se.Details,
		}
	}
	return &ErrorResponse{
		Type:    InternalError,
		Message: err.Error(),
	}
}
