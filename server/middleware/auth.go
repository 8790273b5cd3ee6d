package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/teilomillet/shopfront/errors"
)

// Authentication accepts requests carrying one of keys, either in the
// X-API-Key header or as an Authorization bearer token.
func Authentication(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					apiKey = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			requestID := GetRequestID(r.Context())
			if apiKey == "" {
				errors.WriteError(w, errors.NewAuthError(requestID, "Missing API key", nil))
				return
			}
			if !validKey(apiKey, keys) {
				errors.WriteError(w, errors.NewAuthError(requestID, "Invalid API key", nil))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validKey(key string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}
