package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qanerd/internal/logging"
)

// Watcher watches the workspace config file and hot-reloads the
// logging block when it changes. Other settings require a restart.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	workspace string
	lastLoad  time.Time
	debounce  time.Duration
	running   bool
	doneCh    chan struct{}
}

// NewWatcher creates a config watcher for the given workspace.
func NewWatcher(workspace string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   fw,
		workspace: workspace,
		debounce:  500 * time.Millisecond, // swallow rapid editor saves
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watcher runs until the
// context is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save.
	dir := filepath.Dir(Path(w.workspace))
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go func() {
		defer close(w.doneCh)
		target := filepath.Base(Path(w.workspace))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				w.mu.Lock()
				if time.Since(w.lastLoad) < w.debounce {
					w.mu.Unlock()
					continue
				}
				w.lastLoad = time.Now()
				w.mu.Unlock()

				cfg, err := Load(w.workspace)
				if err != nil {
					logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
					continue
				}
				logging.Reload(cfg.Logging)
				logging.Get(logging.CategoryBoot).Info("config reloaded: logging settings applied")
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
