// Package watch follows a run's state file and reports changes. The
// state file is replaced by rename on every persist, so the watch is
// placed on its directory rather than the file itself.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 200 * time.Millisecond

// Follow invokes onChange whenever statePath is created or rewritten,
// and once immediately on entry so callers render the current state
// before the first event. It blocks until ctx is cancelled.
func Follow(ctx context.Context, statePath string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(statePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	onChange()

	base := filepath.Base(statePath)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				// Collapse the temp-write/rename burst into one callback.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fsnotify: %w", err)
		case <-fire:
			onChange()
		}
	}
}
