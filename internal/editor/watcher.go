package editor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/editor-sync/internal/syncer"
)

const (
	// watcherDebounceInterval is how often the watcher checks for pending
	// filesystem events to batch rapid writes into a single sync pass.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettleAge is how long an event must sit pending before it
	// triggers. Editors write settings.json with several rapid writes.
	watcherSettleAge = 300 * time.Millisecond
)

// syncRequester is the subset of the engine the watcher needs.
// Extracted for testability.
type syncRequester interface {
	RequestSync(ctx context.Context) (syncer.Result, error)
}

// Watcher monitors the settings file and the extensions directory and
// requests a sync pass when either changes. The engine's own coalescing
// absorbs bursts; the watcher only debounces filesystem noise.
type Watcher struct {
	store     *Store
	requester syncRequester
	logger    *slog.Logger
}

// NewWatcher creates a watcher over the given store's paths.
func NewWatcher(store *Store, requester syncRequester, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:     store,
		requester: requester,
		logger:    logger,
	}
}

// Watch blocks until the context is cancelled, requesting a sync pass
// whenever the settings file or extension inventory changes on disk.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	settingsDir := filepath.Dir(w.store.SettingsPath())
	extensionsDir := w.store.ExtensionsDir()

	for _, dir := range []string{settingsDir, extensionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating watched dir: %w", err)
		}

		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w.logger.Info("local watcher started",
		slog.String("settings", w.store.SettingsPath()),
		slog.String("extensions", extensionsDir),
	)

	// Debounce: batch rapid writes into a single sync request.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name, settingsDir) {
				continue
			}

			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !w.settled(pending) {
				continue
			}

			clear(pending)
			w.trigger(ctx)
		}
	}
}

// settled reports whether any pending event has aged past the settle
// window. Events younger than the window wait for the next tick.
func (w *Watcher) settled(pending map[string]time.Time) bool {
	now := time.Now()

	for _, t := range pending {
		if now.Sub(t) >= watcherSettleAge {
			return true
		}
	}

	return false
}

func (w *Watcher) trigger(ctx context.Context) {
	w.logger.Debug("local change detected, requesting sync")

	res, err := w.requester.RequestSync(ctx)
	if err != nil {
		w.logger.Warn("sync after local change failed", slog.String("error", err.Error()))
		return
	}

	if res.Coalesced {
		w.logger.Debug("local change coalesced into in-flight pass")
	}
}

// shouldIgnore filters events that are not the settings file or an
// extension directory entry, plus editor temp files.
func (w *Watcher) shouldIgnore(path, settingsDir string) bool {
	base := filepath.Base(path)

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	// Our own atomic-write temp files.
	if strings.HasPrefix(base, ".settings-write-") {
		return true
	}

	// Inside the settings directory only the settings file matters; the
	// editor keeps unrelated state files alongside it.
	if filepath.Dir(path) == settingsDir {
		return path != w.store.SettingsPath()
	}

	// Marker file the editor writes while removing extensions.
	if base == ".obsolete" {
		return true
	}

	return false
}
