// Package watch re-runs a function whenever one of a set of files changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when no debounce interval is configured.
const DefaultDebounce = 250 * time.Millisecond

// RunFunc is invoked once at start and again after every debounced change.
type RunFunc func(ctx context.Context) error

// Watcher watches files through their parent directories so editors that
// replace files on save are still observed.
type Watcher struct {
	paths    map[string]struct{}
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for paths. Empty paths are ignored.
func New(paths []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watched := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(watched) == 0 {
		return nil, errors.New("watch requires at least one path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	return &Watcher{
		paths:    watched,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run calls fn immediately and after each change until ctx is cancelled.
// Errors from fn are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, fn RunFunc) error {
	defer func() { _ = w.watcher.Close() }()

	w.invoke(ctx, fn, "")

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		changed string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if _, watched := w.paths[name]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			changed = name
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.invoke(ctx, fn, changed)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) invoke(ctx context.Context, fn RunFunc, changed string) {
	if changed != "" {
		w.logger.Info("Change detected, re-running", "path", changed)
	}
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("Run failed", "error", err)
	}
}
