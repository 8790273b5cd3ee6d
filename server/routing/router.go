// Package routing builds the gateway's HTTP router from the routes
// configuration. Each route names a handler and the middleware it runs
// behind; the global stack applies to every request.
package routing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/metrics"
	"github.com/teilomillet/shopfront/server/middleware"
	"go.uber.org/zap"
)

// Per-route middleware names accepted in the routes configuration.
const (
	MiddlewareAuth      = "auth"
	MiddlewareRateLimit = "rate-limit"
	MiddlewareQueue     = "queue"
	MiddlewareTimeout   = "timeout"
)

// Deps are the shared middleware instances. Any of them may be nil, in
// which case the matching route middleware is skipped.
type Deps struct {
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter
	Queue       *middleware.QueueMiddleware
}

// Router handles HTTP routing for the configured routes.
type Router struct {
	router   chi.Router
	handlers map[string]http.Handler
	deps     Deps
	logger   *zap.Logger
	cfg      *config.Config
}

// NewRouter creates a router with the global middleware stack and every
// configured route. Routes naming an unknown handler are logged and skipped.
func NewRouter(cfg *config.Config, handlers map[string]http.Handler, deps Deps, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		router:   chi.NewRouter(),
		handlers: handlers,
		deps:     deps,
		logger:   logger,
		cfg:      cfg,
	}

	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.RequestTimer)
	r.router.Use(middleware.Recovery(logger))
	r.router.Use(middleware.Logging(logger))
	r.router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	if deps.Metrics != nil {
		r.router.Use(middleware.PrometheusMetrics(deps.Metrics))
	}

	r.router.NotFound(func(w http.ResponseWriter, req *http.Request) {
		errors.WriteError(w, errors.NewNotFoundError(middleware.GetRequestID(req.Context()), "Route", req.URL.Path))
	})
	r.router.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrorWithType(w, "Method "+req.Method+" not allowed", errors.ValidationError, http.StatusMethodNotAllowed)
	})

	r.setupRoutes()
	return r
}

// setupRoutes registers every configured route in its own group so that
// route middleware does not leak to other routes. Handlers that are routers
// themselves are mounted and serve every method below the path.
func (r *Router) setupRoutes() {
	for _, route := range r.cfg.Routes {
		handler, ok := r.handlers[route.Handler]
		if !ok {
			r.logger.Error("handler not found",
				zap.String("handler", route.Handler),
				zap.String("path", route.Path),
			)
			continue
		}

		route := route
		r.router.Group(func(g chi.Router) {
			if route.Version != "" {
				g.Use(apiVersion(route.Version))
			}
			for _, mw := range r.routeMiddleware(route) {
				g.Use(mw)
			}

			if sub, ok := handler.(chi.Router); ok {
				g.Mount(route.Path, sub)
				return
			}

			methods := route.Methods
			if len(methods) == 0 {
				methods = []string{http.MethodGet}
			}
			for _, method := range methods {
				g.Method(method, route.Path, handler)
			}
		})

		r.logger.Debug("route registered",
			zap.String("path", route.Path),
			zap.String("handler", route.Handler),
			zap.Strings("middleware", route.Middleware),
		)
	}
}

// routeMiddleware resolves a route's middleware names. Middleware that is
// disabled in the configuration is skipped.
func (r *Router) routeMiddleware(route config.RouteConfig) []func(http.Handler) http.Handler {
	var chain []func(http.Handler) http.Handler
	for _, name := range route.Middleware {
		switch name {
		case MiddlewareAuth:
			if r.cfg.Auth.Enabled {
				chain = append(chain, middleware.Authentication(r.cfg.Auth.APIKeys))
			}
		case MiddlewareRateLimit, "ratelimit":
			if r.cfg.RateLimit.Enabled && r.deps.RateLimiter != nil {
				chain = append(chain, r.deps.RateLimiter.Handler)
			}
		case MiddlewareQueue:
			if r.cfg.Queue.Enabled && r.deps.Queue != nil {
				chain = append(chain, r.deps.Queue.Handler)
			}
		case MiddlewareTimeout:
			if r.cfg.Server.RequestTimeout > 0 {
				chain = append(chain, middleware.Timeout(r.cfg.Server.RequestTimeout))
			}
		default:
			r.logger.Warn("unknown middleware requested",
				zap.String("middleware", name),
				zap.String("path", route.Path),
			)
		}
	}
	return chain
}

func apiVersion(version string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-API-Version", version)
			next.ServeHTTP(w, r)
		})
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
