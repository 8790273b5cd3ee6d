package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/metrics"
	"go.uber.org/zap"
)

type queueContextKey string

const (
	queuePositionKey queueContextKey = "queue_position"
)

// QueuePosition returns the number of requests that were admitted ahead of
// this one, or -1 outside the queue middleware.
func QueuePosition(ctx context.Context) int {
	if pos, ok := ctx.Value(queuePositionKey).(int); ok {
		return pos
	}
	return -1
}

// QueueMiddleware bounds the number of admitted requests. Each admitted
// request holds a slot in a FIFO queue until its handler returns; when the
// queue is full new requests are rejected with 503.
//
// Translation fan-outs hold their slot for the whole stream, so the bound is
// also a bound on concurrent fan-outs.
//
// The maximum size can be changed at runtime and is optionally persisted,
// so it survives restarts.
type QueueMiddleware struct {
	queue      *queue.Queue[chan struct{}]
	maxSize    atomic.Int64
	mu         sync.RWMutex
	processing int32
	metrics    *metrics.Metrics
	logger     *zap.Logger

	statePath     string
	saveMu        sync.Mutex
	persistTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// QueueState is the persisted part of the queue.
type QueueState struct {
	MaxSize     int64     `json:"max_size"`
	QueueLength int       `json:"queue_length"`
	LastSaved   time.Time `json:"last_saved"`
}

// QueueConfig defines the operational parameters for the queue middleware.
type QueueConfig struct {
	InitialSize  int64            // Starting maximum queue size
	Metrics      *metrics.Metrics // Metrics collector, may be nil
	Logger       *zap.Logger      // May be nil
	StatePath    string           // Path to store queue state, empty disables persistence
	SaveInterval time.Duration    // How often to save state (0 means only on shutdown)
}

// NewQueueMiddleware creates the queue. A saved state at StatePath
// overrides InitialSize.
func NewQueueMiddleware(cfg QueueConfig) *QueueMiddleware {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	qm := &QueueMiddleware{
		queue:     queue.New[chan struct{}](),
		metrics:   cfg.Metrics,
		logger:    logger,
		statePath: cfg.StatePath,
		done:      make(chan struct{}),
	}
	qm.maxSize.Store(cfg.InitialSize)

	if cfg.StatePath != "" {
		if err := qm.loadState(); err != nil && !os.IsNotExist(err) {
			qm.logger.Warn("failed to load queue state", zap.String("path", cfg.StatePath), zap.Error(err))
			qm.countError("queue_load_state")
		}

		if cfg.SaveInterval > 0 {
			qm.persistTicker = time.NewTicker(cfg.SaveInterval)
			go qm.persistStateRoutine()
		}
	}

	return qm
}

func (qm *QueueMiddleware) countError(kind string) {
	if qm.metrics != nil {
		qm.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func (qm *QueueMiddleware) loadState() error {
	data, err := os.ReadFile(qm.statePath)
	if err != nil {
		return err
	}

	var state QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.MaxSize > 0 {
		qm.maxSize.Store(state.MaxSize)
	}
	return nil
}

// saveState writes the state to a temporary file and renames it into place.
func (qm *QueueMiddleware) saveState() error {
	if qm.statePath == "" {
		return nil
	}
	qm.saveMu.Lock()
	defer qm.saveMu.Unlock()

	qm.mu.RLock()
	state := QueueState{
		MaxSize:     qm.maxSize.Load(),
		QueueLength: qm.queue.Length(),
		LastSaved:   time.Now(),
	}
	qm.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(qm.statePath), 0o755); err != nil {
		return err
	}

	tmpFile := qm.statePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, qm.statePath)
}

func (qm *QueueMiddleware) persistStateRoutine() {
	for {
		select {
		case <-qm.persistTicker.C:
			if err := qm.saveState(); err != nil {
				qm.logger.Warn("failed to save queue state", zap.Error(err))
				qm.countError("queue_persistence")
			}
		case <-qm.done:
			return
		}
	}
}

// Shutdown stops persistence, waits for admitted requests to finish and
// saves the final state.
func (qm *QueueMiddleware) Shutdown(ctx context.Context) error {
	qm.closeOnce.Do(func() { close(qm.done) })
	if qm.persistTicker != nil {
		qm.persistTicker.Stop()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		qm.mu.RLock()
		drained := qm.queue.Length() == 0 && atomic.LoadInt32(&qm.processing) == 0
		qm.mu.RUnlock()
		if drained {
			if err := qm.saveState(); err != nil {
				qm.countError("queue_persistence")
				return err
			}
			return nil
		}

		select {
		case <-ctx.Done():
			qm.countError("queue_shutdown_timeout")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetMaxSize changes the queue bound. It takes effect for the next request
// and is saved immediately when persistence is enabled.
func (qm *QueueMiddleware) SetMaxSize(size int64) {
	qm.maxSize.Store(size)
	if err := qm.saveState(); err != nil {
		qm.logger.Warn("failed to save queue state", zap.Error(err))
		qm.countError("queue_persistence")
	}
}

// GetQueueSize returns the current queue length.
func (qm *QueueMiddleware) GetQueueSize() int {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.queue.Length()
}

// GetMaxSize returns the current maximum queue size.
func (qm *QueueMiddleware) GetMaxSize() int64 {
	return qm.maxSize.Load()
}

// GetProcessing returns the number of requests currently being processed.
func (qm *QueueMiddleware) GetProcessing() int32 {
	return atomic.LoadInt32(&qm.processing)
}

// Handler admits the request if the queue has room and releases its slot
// when the handler returns, even on panic.
func (qm *QueueMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		qm.mu.Lock()
		currentSize := qm.queue.Length()

		if qm.metrics != nil {
			qm.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(currentSize))
		}

		if int64(currentSize) >= qm.maxSize.Load() {
			qm.mu.Unlock()
			qm.countError("queue_full")
			errors.WriteError(w, errors.NewUnavailableError(GetRequestID(r.Context()), "Queue is full"))
			return
		}

		done := make(chan struct{})
		qm.queue.Add(done)
		qm.mu.Unlock()

		atomic.AddInt32(&qm.processing, 1)

		defer func() {
			atomic.AddInt32(&qm.processing, -1)
			close(done)
			qm.mu.Lock()
			qm.queue.Remove()
			if qm.metrics != nil {
				qm.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(qm.queue.Length()))
			}
			qm.mu.Unlock()

			if qm.metrics != nil {
				qm.metrics.RequestDuration.WithLabelValues("queue_wait").Observe(time.Since(start).Seconds())
			}
		}()

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), queuePositionKey, currentSize)))
	})
}
