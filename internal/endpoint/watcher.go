package endpoint

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps an in-memory snapshot of the endpoint file and reloads it
// whenever the file changes on disk. The UI writes the file; the agent only
// ever reads through the snapshot.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *File
	loadErr error
}

// NewWatcher loads the endpoint file once and returns a Watcher around it.
// A load failure is not fatal: the Provider reports it until a later reload
// succeeds, so the agent can start before the UI has written a config.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	w := &Watcher{path: path, logger: logger}
	w.reload()
	return w
}

// Start watches the endpoint file until ctx is cancelled. Editors and the
// desktop UI replace the file rather than appending, so writes, creates and
// renames in the parent directory all trigger a reload.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: rename-over-destination drops a watch on the
	// file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.logger.Debug("watching endpoint file", "path", w.path)

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Info("endpoint file changed, reloading", "path", w.path)
				w.reload()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("endpoint file watch error", "error", err)
			}
		}
	}()
	return nil
}

// Provider returns a Provider backed by the current snapshot.
func (w *Watcher) Provider() Provider {
	return func() (*Endpoint, error) {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if w.loadErr != nil {
			return nil, w.loadErr
		}
		return w.current.Current()
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if w.current != nil {
			// Keep serving the last good snapshot through a bad rewrite.
			w.logger.Warn("endpoint file reload failed, keeping previous snapshot", "error", err)
			return
		}
		w.loadErr = err
		return
	}
	w.current = f
	w.loadErr = nil
}
