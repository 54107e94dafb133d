package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/meterd/pkg/observability"
)

// Watcher reloads the catalog file when it changes on disk, syncs it to the
// store and purges the plan cache. The containing directory is watched so
// editor renames and Kubernetes ConfigMap symlink swaps are seen.
type Watcher struct {
	path     string
	store    Store
	cache    *CachedStore
	logger   *observability.Logger
	debounce time.Duration

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// reloaded is signalled after every reload attempt; used by tests
	reloaded chan error
}

// NewWatcher creates a catalog watcher. cache may be nil.
func NewWatcher(path string, store Store, cache *CachedStore, logger *observability.Logger) *Watcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Watcher{
		path:     path,
		store:    store,
		cache:    cache,
		logger:   logger.WithField("component", "plan_watcher"),
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Stop must be called to release the watcher.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer observability.RecoverPanic(w.logger, "plan catalog watcher")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Plan catalog watcher error")

		case <-fire:
			fire = nil
			err := w.reload()
			if w.reloaded != nil {
				select {
				case w.reloaded <- err:
				default:
				}
			}
		}
	}
}

func (w *Watcher) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cat, err := LoadCatalog(w.path)
	if err != nil {
		// Keep serving the last good catalog
		w.logger.WithError(err).Error("Rejected plan catalog change")
		return err
	}

	if err := SyncCatalog(ctx, w.store, cat); err != nil {
		w.logger.WithError(err).Error("Failed to sync reloaded plan catalog")
		return err
	}

	if w.cache != nil {
		w.cache.Purge()
	}
	w.logger.WithField("plans", len(cat.Plans)).Info("Plan catalog reloaded")
	return nil
}
