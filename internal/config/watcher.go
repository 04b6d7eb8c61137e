package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tokenbroker/pkg/logging"
)

const (
	// DefaultDebounceInterval is the time to wait before reloading after the
	// last change to the config file.
	DefaultDebounceInterval = 500 * time.Millisecond

	// DefaultWatchInterval is the polling interval used when fsnotify is not
	// available.
	DefaultWatchInterval = 10 * time.Second
)

// WatcherConfig holds configuration for the config file watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// Debounce defaults to DefaultDebounceInterval.
	Debounce time.Duration

	// WatchInterval is the fallback polling interval.
	WatchInterval time.Duration

	// OnChange receives every successfully reloaded and validated
	// configuration. Invalid files are logged and skipped.
	OnChange func(Config)
}

// Watcher reloads the configuration when the file changes. It uses fsnotify
// on the file's directory, so editors that replace the file are seen too,
// with a fallback to polling.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	// lastModTime is used by the polling fallback
	lastModTime time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher for config.Path.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounceInterval
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	return &Watcher{config: config}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Start begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("Config", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	dir := filepath.Dir(w.config.Path)
	if err := watcher.Add(dir); err != nil {
		logging.Warn("Config", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		_ = watcher.Close()
		go w.pollForChanges()
		return nil
	}
	w.fsWatcher = watcher

	// Capture channels before releasing lock to avoid races with Stop
	go w.processEvents(w.stopCh, watcher.Events, watcher.Errors)

	logging.Info("Config", "Watching %s for changes", w.config.Path)
	return nil
}

func (w *Watcher) processEvents(stopCh <-chan struct{}, eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("Config", err, "fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.config.Path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	logging.Debug("Config", "Config file changed: %s", event.Name)
	w.triggerReloadDebounced()
}

// triggerReloadDebounced coalesces the several events a single save
// produces into one reload.
func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	running := w.running
	callback := w.config.OnChange
	w.mu.Unlock()

	if !running || callback == nil {
		return
	}

	cfg, err := LoadConfig(w.config.Path)
	if err != nil {
		logging.Warn("Config", "Ignoring invalid configuration change: %v", err)
		return
	}
	logging.Info("Config", "Configuration reloaded from %s", w.config.Path)
	callback(cfg)
}

func (w *Watcher) pollForChanges() {
	w.mu.Lock()
	stopCh := w.stopCh
	w.mu.Unlock()

	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	w.checkForChanges()

	for {
		select {
		case <-stopCh:
			return

		case <-ticker.C:
			if w.checkForChanges() {
				logging.Debug("Config", "Config file change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}

// checkForChanges reports whether the file's modification time moved.
func (w *Watcher) checkForChanges() bool {
	info, err := os.Stat(w.config.Path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := !w.lastModTime.IsZero() && info.ModTime().After(w.lastModTime)
	w.lastModTime = info.ModTime()
	return changed
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("Config", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	logging.Info("Config", "Stopped config watcher")
	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
