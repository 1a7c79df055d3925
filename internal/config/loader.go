package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the editor write-then-rename burst into one
// reload.
const reloadDebounce = 100 * time.Millisecond

// Loader loads a config file and optionally watches it for changes,
// re-validating on every reload. A broken edit keeps the last good
// configuration active.
type Loader struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	done chan struct{}
}

// NewLoader creates a loader for the given path (empty means the default
// location).
func NewLoader(path string, log *slog.Logger) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{path: path, log: log, done: make(chan struct{})}
}

// Load reads and validates the file, making it the current config.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with every successfully reloaded
// configuration.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Watch starts watching the config file's directory for changes.
// Watching the directory rather than the file survives the atomic
// rename most editors perform.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(l.path), err)
	}

	l.watcher = watcher
	go l.watchLoop()
	return nil
}

// Close stops watching.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		l.log.Error("config reload failed, keeping previous", "path", l.path, "error", err)
		return
	}

	l.mu.Lock()
	l.current = cfg
	callbacks := append([]func(*Config){}, l.callbacks...)
	l.mu.Unlock()

	l.log.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(cfg)
	}
}
