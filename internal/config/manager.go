package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor save or
// configmap update produces into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager serves the current configuration snapshot and hot-reloads it when
// the file changes. Readers always see a complete config: updates swap an
// atomic pointer, never mutate in place.
type Manager struct {
	current atomic.Pointer[Config]
	path    string
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)

	watcher *fsnotify.Watcher
}

// NewManager loads the file at path and returns a manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already-built config, for tests and embedding.
func NewStaticManager(cfg *Config, logger *slog.Logger) *Manager {
	m := &Manager{logger: logger}
	m.current.Store(cfg)
	return m
}

// Get returns the current snapshot. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked after each successful reload.
// Callbacks run on the reload goroutine and must not block.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Watch starts the file watcher. The parent directory is watched rather than
// the file itself so atomic-rename saves (editors, kubernetes configmaps) are
// still observed.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.run(ctx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	var pending *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			_ = m.watcher.Close()
			return

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		// A half-written or invalid file must never take down a running
		// gateway; keep serving the last good snapshot.
		m.logger.Error("config reload failed, keeping current snapshot", "error", err)
		return
	}

	m.current.Store(cfg)
	m.logger.Info("configuration reloaded",
		"candidates", len(cfg.Candidates),
		"pricing_entries", len(cfg.Pricing))

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
