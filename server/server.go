// Package server wires the storefront gateway together: providers, the
// processor, fan-out, chat sessions and the HTTP router. The configuration
// can be reloaded while the server runs.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/handlers"
	"github.com/teilomillet/shopfront/server/metrics"
	"github.com/teilomillet/shopfront/server/middleware"
	"github.com/teilomillet/shopfront/server/processing"
	"github.com/teilomillet/shopfront/server/provider"
	"github.com/teilomillet/shopfront/server/routing"
	"github.com/teilomillet/shopfront/server/session"
	"github.com/teilomillet/shopfront/server/validation"
	"go.uber.org/zap"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	rateLimitSweepInterval = time.Minute
)

// Server represents the HTTP server.
//
// Providers, sessions, the request queue and metrics live for the whole
// process. Everything derived from the rest of the configuration (templates,
// routes, limits) is rebuilt on reload and swapped in atomically, so
// in-flight requests finish on the handler they started with.
type Server struct {
	watcher       config.Watcher
	logger        *zap.Logger
	metrics       *metrics.Metrics
	fanoutMetrics *fanout.Metrics
	providers     *provider.Manager
	sessions      *session.Store
	counter       *validation.TokenCounter

	state atomic.Pointer[state]

	mu         sync.Mutex
	httpServer *http.Server
	queue      *middleware.QueueMiddleware
}

// state is one generation of configuration-derived components.
type state struct {
	cfg       *config.Config
	processor *processing.Processor
	limiter   *middleware.RateLimiter
	handler   http.Handler
}

// NewServer loads configPath, watches it for changes and builds the server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, err
	}
	s, err := newServer(watcher, nil, logger)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConfig builds a server that serves every request with llm
// instead of the configured providers.
func NewServerWithConfig(watcher config.Watcher, llm gollm.LLM, logger *zap.Logger) (*Server, error) {
	return newServer(watcher, llm, logger)
}

func newServer(watcher config.Watcher, llm gollm.LLM, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := watcher.GetCurrentConfig()
	if cfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}

	s := &Server{
		watcher: watcher,
		logger:  logger,
		metrics: metrics.NewMetrics(),
	}
	s.fanoutMetrics = fanout.NewMetrics(s.metrics.Registry())

	providerCfg := cfg
	if llm != nil {
		cp := *cfg
		cp.TestMode = true
		providerCfg = &cp
	}
	mgr, err := provider.NewManager(providerCfg, logger, s.metrics.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	if llm != nil {
		mgr.SetProviders(map[string]gollm.LLM{cfg.LLM.Provider: llm})
	}
	s.providers = mgr

	s.sessions = session.NewStore(cfg.Chat, chatResponder{s}, logger)
	s.metrics.RegisterGaugeFunc("shopfront_chat_sessions", "Number of live chat sessions", func() float64 {
		return float64(s.sessions.Len())
	})

	if !cfg.TestMode && llm == nil && cfg.LLM.MaxContextTokens > 0 {
		counter, err := validation.NewTokenCounter(cfg.LLM.Model)
		if err != nil {
			logger.Warn("token counting disabled", zap.Error(err))
		} else {
			s.counter = counter
		}
	}

	st, err := s.build(cfg)
	if err != nil {
		return nil, err
	}
	s.state.Store(st)
	return s, nil
}

// chatResponder sends chat turns to the processor of the current
// configuration.
type chatResponder struct{ s *Server }

func (c chatResponder) Generate(ctx context.Context, req *processing.Request) (string, error) {
	return c.s.state.Load().processor.Generate(ctx, req)
}

// build creates the configuration-derived components for cfg.
func (s *Server) build(cfg *config.Config) (*state, error) {
	proc, err := processing.NewProcessor(&cfg.Processing, s.providers, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}
	proc.SetDefaultPrompt(cfg.LLM.SystemPrompt)

	aggregator := fanout.NewAggregator(fanout.Options{
		Timeout:        cfg.Fanout.Timeout,
		MaxConcurrency: cfg.Fanout.MaxConcurrency,
	}, s.logger, s.fanoutMetrics)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, s.metrics)
	}

	h := handlers.New(handlers.Deps{
		Processor:   proc,
		Aggregator:  aggregator,
		Sessions:    s.sessions,
		Validator:   validation.New(cfg, s.counter),
		Translation: cfg.Translation,
		Health:      s.providers,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})

	router := routing.NewRouter(cfg, h.Routes(), routing.Deps{
		Metrics:     s.metrics,
		RateLimiter: limiter,
		Queue:       s.requestQueue(cfg),
	}, s.logger)

	return &state{
		cfg:       cfg,
		processor: proc,
		limiter:   limiter,
		handler:   router,
	}, nil
}

// requestQueue returns the process-wide queue, creating it the first time a
// configuration enables it. Later configurations only resize it.
func (s *Server) requestQueue(cfg *config.Config) *middleware.QueueMiddleware {
	if !cfg.Queue.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		s.queue = middleware.NewQueueMiddleware(middleware.QueueConfig{
			InitialSize:  cfg.Queue.InitialSize,
			Metrics:      s.metrics,
			Logger:       s.logger,
			StatePath:    cfg.Queue.StatePath,
			SaveInterval: cfg.Queue.SaveInterval,
		})
	} else if s.queue.GetMaxSize() != cfg.Queue.InitialSize {
		s.queue.SetMaxSize(cfg.Queue.InitialSize)
	}
	return s.queue
}

// ServeHTTP serves a request with the handler of the current configuration.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.state.Load().handler.ServeHTTP(w, r)
}

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config {
	return s.state.Load().cfg
}

// Start serves until ctx is done, applying configuration updates as they
// arrive. A changed port moves the listener without dropping requests that
// are already running.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if err := s.listen(s.Config(), errCh); err != nil {
		return err
	}

	s.sessions.StartJanitor(ctx)
	s.providers.StartHealthChecks(ctx)
	go s.sweepRateLimits(ctx)

	updates := s.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()

		case err := <-errCh:
			s.shutdown()
			return err

		case cfg, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := s.applyConfig(cfg, errCh); err != nil {
				s.logger.Error("configuration update rejected", zap.Error(err))
			}
		}
	}
}

// applyConfig rebuilds the handler for cfg and moves the listener when the
// server settings changed. Provider changes need a restart.
func (s *Server) applyConfig(cfg *config.Config, errCh chan<- error) error {
	old := s.state.Load()
	if cfg == nil || cfg == old.cfg {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := s.build(cfg)
	if err != nil {
		return err
	}
	s.state.Store(st)
	s.logger.Info("configuration reloaded", zap.Int("routes", len(cfg.Routes)))

	if listenerChanged(old.cfg.Server, cfg.Server) {
		s.mu.Lock()
		prev := s.httpServer
		s.mu.Unlock()

		if err := s.listen(cfg, errCh); err != nil {
			return err
		}
		s.stopHTTP(prev, old.cfg.Server.ShutdownTimeout)
	}
	return nil
}

func listenerChanged(a, b config.ServerConfig) bool {
	return a.Port != b.Port ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.MaxHeaderBytes != b.MaxHeaderBytes
}

// listen binds the configured port and serves on it in the background.
// Serve errors are reported on errCh.
func (s *Server) listen(cfg *config.Config, errCh chan<- error) error {
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("Server started", zap.String("address", srv.Addr))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case errCh <- fmt.Errorf("server error: %w", err):
			default:
			}
		}
	}()
	return nil
}

// stopHTTP shuts srv down gracefully, closing remaining connections (such as
// long event streams) once the timeout passes.
func (s *Server) stopHTTP(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down listener", zap.String("address", srv.Addr))
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	return nil
}

// shutdown stops the listener, drains and persists the queue and stops
// provider health checks.
func (s *Server) shutdown() error {
	cfg := s.Config()
	s.mu.Lock()
	srv, queue := s.httpServer, s.queue
	s.mu.Unlock()

	err := s.stopHTTP(srv, cfg.Server.ShutdownTimeout)

	if queue != nil {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if qerr := queue.Shutdown(ctx); qerr != nil {
			s.logger.Warn("queue shutdown incomplete", zap.Error(qerr))
		}
		cancel()
	}

	s.providers.Close()
	s.logger.Info("Server stopped")
	return err
}

// sweepRateLimits forgets idle rate limit clients so the table does not
// grow without bound.
func (s *Server) sweepRateLimits(ctx context.Context) {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.state.Load()
			if st.limiter == nil {
				continue
			}
			idle := st.cfg.RateLimit.Window + rateLimitSweepInterval
			if n := st.limiter.Sweep(idle); n > 0 {
				s.logger.Debug("rate limit clients swept", zap.Int("count", n))
			}
		}
	}
}

// Close stops watching the configuration file.
func (s *Server) Close() error {
	return s.watcher.Close()
}
