package config

// Watcher provides the current configuration and notifies on reloads.
type Watcher interface {
	GetCurrentConfig() *Config
	Subscribe() <-chan *Config
	Close() error
}
