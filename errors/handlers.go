package errors

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler wraps an http.Handler and turns panics into InternalError responses.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID := w.Header().Get("X-Request-ID")
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", requestID),
					)
					WriteError(w, NewInternalError(requestID, nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs an error with its context
func LogError(logger *zap.Logger, err error, requestID string) {
	if se, ok := err.(*ShopfrontError); ok {
		logger.Error("request error",
			zap.String("error_type", string(se.Type)),
			zap.String("message", se.Message),
			zap.Int("code", se.Code),
			zap.String("request_id", requestID),
			zap.Any("details", se.Details),
			zap.NamedError("cause", se.err),
		)
	} else {
		logger.Error("unexpected error",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
	}
}
