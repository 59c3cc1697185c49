package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives the previous and the freshly validated configuration
// after a successful hot reload.
type ReloadFunc func(old, updated *Config)

// Watcher observes the config file and hot-reloads the policy subset
// (tier policy, z-score thresholds, character budgets, time windows).
// Identity-level settings are detected but never applied live; a change
// to one of those is logged as requiring a restart.
//
// The watcher observes the file's parent directory rather than the file
// itself: editors and provisioning tools replace config files by rename,
// which silently breaks a watch set on the old inode.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	onReload ReloadFunc

	current atomic.Pointer[Config]

	mu       sync.Mutex
	pending  time.Time
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file. The initial
// configuration seeds Current; onReload fires after every accepted swap.
func NewWatcher(path string, initial *Config, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start begins watching. Non-blocking; events are handled in a background
// goroutine until Stop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching config file for policy changes",
		zap.String("path", w.path))

	go w.run()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("config watcher close failed", zap.Error(err))
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	// Rapid saves collapse into one reload once the file settles.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ticker.C:
			w.reloadIfSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) reloadIfSettled() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	w.reload()
}

// reload re-runs the full load pipeline and swaps the accepted result.
// A file that fails to load or validate leaves the running configuration
// untouched.
func (w *Watcher) reload() {
	updated, err := LoadWithFile(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping running configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	old := w.current.Load()

	if restart := identityChanges(old, updated); len(restart) > 0 {
		w.logger.Warn("config changes require restart to take effect",
			zap.Strings("settings", restart))
	}

	w.current.Store(updated)
	w.logger.Info("config policy reloaded", zap.String("path", w.path))

	if w.onReload != nil {
		w.onReload(old, updated)
	}
}

// identityChanges lists the identity-level settings that differ between
// two configurations. These anchor resources created once at startup.
func identityChanges(old, updated *Config) []string {
	if old == nil {
		return nil
	}

	var changed []string
	if old.Store.Path != updated.Store.Path {
		changed = append(changed, "store.path")
	}
	if old.Server.Addr != updated.Server.Addr {
		changed = append(changed, "server.addr")
	}
	if old.Inference.Model != updated.Inference.Model {
		changed = append(changed, "inference.model")
	}
	if old.Inference.ServerURL != updated.Inference.ServerURL {
		changed = append(changed, "inference.server_url")
	}
	if old.Notify.Enabled != updated.Notify.Enabled || old.Notify.URL != updated.Notify.URL {
		changed = append(changed, "notify")
	}
	if old.Telemetry.Enabled != updated.Telemetry.Enabled || old.Telemetry.Endpoint != updated.Telemetry.Endpoint {
		changed = append(changed, "telemetry")
	}
	if old.Logging.Level != updated.Logging.Level || old.Logging.Format != updated.Logging.Format {
		changed = append(changed, "logging")
	}
	return changed
}
