package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file through a Loader when its modification time
// changes. It listens for file system events on the file's directory and
// polls as a safety net. Invalid files are logged and skipped; the last good
// config stays current.
type Watcher struct {
	loader   *Loader
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	current   *Config
	modTime   time.Time
	callbacks []func(old, updated *Config)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the safety-net poll period. Default 10s.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher watches the file behind loader. current is the config the
// process started with.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		path:     loader.configPath,
		interval: 10 * time.Second,
		logger:   zap.NewNop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", w.path))
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}
	return w
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn func(old, updated *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is done. Without a config path it returns at once.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file events unavailable, polling only", zap.Error(err))
		w.poll(ctx)
		return
	}
	defer func() { _ = fsw.Close() }()

	// Editors and config map mounts replace the file, so watch the directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("file events unavailable, polling only", zap.Error(err))
		w.poll(ctx)
		return
	}

	target := filepath.Clean(w.path)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.poll(ctx)
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.Check()
			}
		case err, ok := <-fsw.Errors:
			if ok && err != nil {
				w.logger.Warn("config watch error", zap.Error(err))
			}
		case <-ticker.C:
			w.Check()
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if it changed since the last check and reports
// whether a new config was applied.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Debug("config file unavailable", zap.Error(err))
		return false
	}

	w.mu.Lock()
	if !info.ModTime().After(w.modTime) {
		w.mu.Unlock()
		return false
	}
	w.modTime = info.ModTime()
	w.mu.Unlock()

	updated, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := make([]func(old, updated *Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded")
	for _, fn := range callbacks {
		fn(old, updated)
	}
	return true
}
