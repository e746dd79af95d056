package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	// Debounce collapses bursts of writes from editors. Defaults to 250ms.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnSelection runs after a reload that changed the session selection.
	OnSelection func(Config)
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onSelect func(Config)

	mu   sync.Mutex
	last Selection
}

func NewWatcher(path string, initial Config, opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		onSelect: opts.OnSelection,
		last:     initial.Selection(),
	}
}

// Run watches until ctx is done. The parent directory is watched so atomic
// replace-by-rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, true)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	next := cfg.Selection()
	w.mu.Lock()
	changed := next != w.last
	w.last = next
	w.mu.Unlock()
	if !changed {
		return
	}
	w.logger.Info("session selection changed", "session_id", next.SessionID, "user_id", next.UserID)
	if w.onSelect != nil {
		w.onSelect(cfg)
	}
}
