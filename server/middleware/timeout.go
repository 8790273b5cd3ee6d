package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/teilomillet/shopfront/errors"
)

// timeoutWriter buffers headers so the handler goroutine and the timeout
// path never touch the real header map at the same time.
type timeoutWriter struct {
	w      http.ResponseWriter
	header http.Header

	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	dst := tw.w.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.writeHeaderLocked(http.StatusOK)
	return tw.w.Write(b)
}

// Timeout bounds the handler with a context deadline. When the deadline
// passes before the handler wrote anything, a 504 JSON error is written and
// later writes fail with http.ErrHandlerTimeout.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{w: w, header: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
						return
					}
					close(done)
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				if tw.wroteHeader {
					// The response is under way; let the handler finish it.
					tw.mu.Unlock()
					select {
					case p := <-panicked:
						panic(p)
					case <-done:
					}
					return
				}
				tw.timedOut = true
				defer tw.mu.Unlock()
				if ctx.Err() != context.DeadlineExceeded {
					return
				}
				errors.WriteError(w, errors.NewError(
					errors.InternalError,
					"Request timeout",
					http.StatusGatewayTimeout,
					GetRequestID(r.Context()),
					map[string]interface{}{
						"timeout": timeout.String(),
					},
					ctx.Err(),
				))
			}
		})
	}
}
