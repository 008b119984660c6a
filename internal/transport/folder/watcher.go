package folder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses bursts of events from a desktop client
// writing many files into one notification.
const defaultDebounce = 2 * time.Second

// Watcher signals when record files in a directory change, so a sync
// cycle can start soon after the desktop client delivers remote edits.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, debounce: defaultDebounce, logger: logger}
}

// Watch blocks until ctx is cancelled, calling onChange at most once
// per debounce window after record files are created, written, removed
// or renamed. Writes this process makes are reported too; the resulting
// cycle is a no-op.
func (w *Watcher) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if !isRecordEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil

			w.logger.Debug("record folder changed", slog.String("dir", w.dir))
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("folder watcher error", slog.String("error", err.Error()))
		}
	}
}

func isRecordEvent(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
		return false
	}

	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
