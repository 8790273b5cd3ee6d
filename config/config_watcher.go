package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var _ Watcher = (*ConfigWatcher)(nil)

// ConfigWatcher reloads the configuration file when it changes and hands the
// new Config to subscribers. An invalid file is logged and ignored, so the
// last good configuration stays in effect.
type ConfigWatcher struct {
	currentConfig atomic.Pointer[Config]
	configPath    string
	watcher       *fsnotify.Watcher
	logger        *zap.Logger

	mu          sync.Mutex
	subscribers []chan *Config
	closed      bool
	done        chan struct{}
}

// NewConfigWatcher loads configPath and starts watching it.
func NewConfigWatcher(configPath string, logger *zap.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	initialConfig, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are noticed too.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		logger:     logger.With(zap.String("config", configPath)),
		done:       make(chan struct{}),
	}
	cw.currentConfig.Store(initialConfig)

	go cw.watchConfig()
	return cw, nil
}

// Subscribe returns a channel that receives every successfully reloaded
// config. A slow subscriber misses intermediate versions.
func (cw *ConfigWatcher) Subscribe() <-chan *Config {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	ch := make(chan *Config, 1)
	if cw.closed {
		close(ch)
		return ch
	}
	cw.subscribers = append(cw.subscribers, ch)
	return ch
}

// GetCurrentConfig returns the current configuration.
func (cw *ConfigWatcher) GetCurrentConfig() *Config {
	return cw.currentConfig.Load()
}

func (cw *ConfigWatcher) watchConfig() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cw.handleConfigChange()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) handleConfigChange() {
	cw.logger.Info("config file changed, reloading")

	newConfig, err := LoadFile(cw.configPath)
	if err != nil {
		cw.logger.Error("failed to reload config", zap.Error(err))
		return
	}

	cw.currentConfig.Store(newConfig)

	cw.mu.Lock()
	for _, sub := range cw.subscribers {
		select {
		case sub <- newConfig:
		default:
			// Replace the stale pending config with the newest one.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- newConfig:
			default:
			}
		}
	}
	cw.mu.Unlock()

	cw.logger.Info("configuration reloaded")
}

// Close stops watching and closes every subscriber channel.
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	cw.mu.Unlock()

	err := cw.watcher.Close()
	<-cw.done

	cw.mu.Lock()
	for _, sub := range cw.subscribers {
		close(sub)
	}
	cw.subscribers = nil
	cw.mu.Unlock()
	return err
}
