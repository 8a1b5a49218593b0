package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// successfully parsed, actually different config to OnChange. Invalid files
// are logged and skipped so the last good config stays in effect.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(*Config)

	lastHash string
}

// NewWatcher creates a watcher for path. initial, when non-nil, is the config
// already in effect; reloads producing the same hash are ignored.
func NewWatcher(path string, initial *Config, onChange func(*Config)) *Watcher {
	w := &Watcher{Path: path, Debounce: defaultReloadDebounce, OnChange: onChange}
	if initial != nil {
		w.lastHash = initial.Hash()
	}
	return w
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file itself so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.Path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("watching config", "path", abs)

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.Path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.Path, "error", err)
		return
	}
	hash := cfg.Hash()
	if hash == w.lastHash {
		slog.Debug("config unchanged", "path", w.Path)
		return
	}
	w.lastHash = hash
	slog.Info("config reloaded", "path", w.Path, "agents", len(cfg.Agents))
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}
