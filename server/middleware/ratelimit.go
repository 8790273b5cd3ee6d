package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/metrics"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	metrics *metrics.Metrics

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows cfg.Requests per cfg.Window with bursts of cfg.Burst.
// A nil metrics disables the rate limit counter.
func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:    burst,
		window:   cfg.Window,
		metrics:  m,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Handler rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		limiter := rl.get(ip)

		if !limiter.Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimitHits.WithLabelValues(ip).Inc()
			}
			retryAfter := int(math.Ceil(1 / float64(rl.limit)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			errResp := errors.NewRateLimitError(GetRequestID(r.Context()), retryAfter)
			errResp.Details["limit"] = int64(rl.burst)
			errResp.Details["window"] = rl.window.String()

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			errors.WriteError(w, errResp)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sweep forgets clients not seen for longer than idle and returns how many
// were removed.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
