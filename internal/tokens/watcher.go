package tokens

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fitbridge/pkg/logging"
)

// watcherDebounce coalesces the burst of filesystem events a single
// atomic save produces (create temp, write, rename).
const watcherDebounce = 200 * time.Millisecond

// Watcher observes the credential file for external modification, e.g. a
// concurrent `fitbridge auth login` run refreshing the platform token while
// a serving bridge is up. On change it invalidates the adapter's in-memory
// cache and fires the onChange callback so the tool exposure gate can
// re-evaluate.
type Watcher struct {
	adapter  *Adapter
	path     string
	onChange func()

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewWatcher creates a watcher for the adapter's credential file.
// onChange may be nil.
func NewWatcher(adapter *Adapter, path string, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	// Watch the directory rather than the file: atomic saves replace the
	// file by rename, which drops a watch registered on the file itself.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch credential directory: %w", err)
	}

	return &Watcher{
		adapter:   adapter,
		path:      path,
		onChange:  onChange,
		fsWatcher: fsWatcher,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start runs the watch loop until the context is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watcherDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			logging.Debug("TokenWatcher", "Credential file changed on disk, reloading")
			if err := w.adapter.Invalidate(ScopeTokens); err != nil {
				logging.Error("TokenWatcher", err, "Failed to invalidate token cache")
			}
			if w.onChange != nil {
				w.onChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Warn("TokenWatcher", "Filesystem watcher error: %v", err)

		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

// Stop tears down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsWatcher.Close()
}
