package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/metrics"
	"github.com/teilomillet/shopfront/server/middleware"
	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func testConfig(routes ...config.RouteConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Routes = routes
	return cfg
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNewRouterSkipsUnknownHandler(t *testing.T) {
	cfg := testConfig(
		config.RouteConfig{Path: "/v1/format", Handler: "format", Version: "v1", Methods: []string{"POST"}},
		config.RouteConfig{Path: "/v1/missing", Handler: "missing", Version: "v1"},
	)
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, Deps{}, zap.NewNop())
	require.NotNil(t, router)

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", rec.Header().Get("X-API-Version"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/v1/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp errors.ShopfrontError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, errors.NotFoundError, resp.Type)
}

func TestMethodRestriction(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}})
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, Deps{}, zap.NewNop())

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/v1/format", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultMethodIsGet(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/health", Handler: "health"})
	router := NewRouter(cfg, map[string]http.Handler{"health": okHandler}, Deps{}, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(router, httptest.NewRequest(http.MethodPost, "/health", nil)).Code)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig(
		config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}, Middleware: []string{"auth"}},
		config.RouteConfig{Path: "/health", Handler: "health"},
	)
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}}
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler, "health": okHandler}, Deps{}, zap.NewNop())

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/format", nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, serve(router, req).Code)

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code,
		"auth must not leak to routes that do not ask for it")
}

func TestAuthDisabled(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}, Middleware: []string{"auth"}})
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, Deps{}, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil)).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}, Middleware: []string{"rate-limit"}})
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Minute}
	m := metrics.NewMetrics()
	deps := Deps{Metrics: m, RateLimiter: middleware.NewRateLimiter(cfg.RateLimit, m)}
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, deps, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil)).Code)
	rec := serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}, Middleware: []string{"timeout"}})
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	router := NewRouter(cfg, map[string]http.Handler{"format": slow}, Deps{}, zap.NewNop())

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestQueueMiddleware(t *testing.T) {
	position := -1
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		position = middleware.QueuePosition(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	cfg := testConfig(config.RouteConfig{Path: "/v1/translations", Handler: "translations", Methods: []string{"POST"}, Middleware: []string{"queue"}})
	cfg.Queue.Enabled = true
	qm := middleware.NewQueueMiddleware(middleware.QueueConfig{InitialSize: 4})
	router := NewRouter(cfg, map[string]http.Handler{"translations": handler}, Deps{Queue: qm}, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/v1/translations", nil)).Code)
	assert.GreaterOrEqual(t, position, 0)
}

func TestMountedRouterAndMetrics(t *testing.T) {
	sub := chi.NewRouter()
	sub.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chi.URLParam(r, "id")))
	})
	sub.Post("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	cfg := testConfig(config.RouteConfig{Path: "/v1/chat/sessions", Handler: "chat", Version: "v1", Methods: []string{"GET", "POST"}})
	m := metrics.NewMetrics()
	router := NewRouter(cfg, map[string]http.Handler{"chat": sub}, Deps{Metrics: m}, zap.NewNop())

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
	serve(router, httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/def", nil))

	assert.Equal(t, http.StatusCreated, serve(router, httptest.NewRequest(http.MethodPost, "/v1/chat/sessions", nil)).Code)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/chat/sessions/{id}", "200")))
}

func TestUnknownMiddlewareIgnored(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}, Middleware: []string{"custom"}})
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, Deps{}, zap.NewNop())

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/v1/format", nil)).Code)
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig(config.RouteConfig{Path: "/v1/format", Handler: "format", Methods: []string{"POST"}})
	router := NewRouter(cfg, map[string]http.Handler{"format": okHandler}, Deps{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/v1/format", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	rec := serve(router, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
