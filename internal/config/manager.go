// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	xlog "github.com/poolhouse/tubd/internal/log"
)

// Manager holds the live configuration snapshot and hot-reloads it when the
// backing YAML file changes. Consumers call Snapshot on every use; they never
// cache the result across ticks.
type Manager struct {
	mu       sync.RWMutex
	current  Config
	filePath string
	onReload []func(Config)
}

// NewManager wraps an already-loaded configuration.
func NewManager(cfg Config, filePath string) *Manager {
	return &Manager{current: cfg, filePath: filePath}
}

// Snapshot returns the current configuration by value.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked after each successful reload.
func (m *Manager) OnReload(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Reload re-reads the backing file and swaps the snapshot. A failed reload
// keeps the previous snapshot.
func (m *Manager) Reload() error {
	if m.filePath == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := Load(m.filePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = cfg
	callbacks := append([]func(Config){}, m.onReload...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// Watch blocks until ctx is done, reloading the config whenever the file is
// written. Editors replace files via rename, so the parent directory is
// watched rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	if m.filePath == "" {
		<-ctx.Done()
		return nil
	}
	logger := xlog.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(filepath.Dir(m.filePath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.filePath), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != m.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.Reload(); err != nil {
				logger.Error().Err(err).
					Str(xlog.FieldEvent, "config.reload_failed").
					Str(xlog.FieldPath, m.filePath).
					Msg("config reload failed, keeping previous snapshot")
				continue
			}
			logger.Info().
				Str(xlog.FieldEvent, "config.reloaded").
				Str(xlog.FieldPath, m.filePath).
				Msg("configuration reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "config.watch_error").
				Msg("config watcher error")
		}
	}
}
