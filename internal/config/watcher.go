package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher for the config file at path. The file
// must exist; a daemon running purely on environment variables has
// nothing to watch.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}

	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Load reads the current configuration and remembers it.
func (w *Watcher) Load() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	return cfg, nil
}

// Current returns the most recently loaded configuration, or nil if
// Load has never succeeded.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch invokes onChange with the reloaded configuration each time the
// file is written. Reload failures are logged and the previous
// configuration stays in effect. Watch returns immediately; the
// goroutine exits when ctx is cancelled or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				cfg, err := w.Load()
				if err != nil {
					w.logger.Error("config reload failed",
						slog.String("path", w.path),
						slog.String("error", err.Error()))
					continue
				}
				w.logger.Info("config reloaded", slog.String("path", w.path))
				onChange(cfg)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
}

// Close stops watching the file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
