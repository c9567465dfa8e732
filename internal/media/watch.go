package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for the folder to go quiet
// before scanning.
const DefaultDebounce = 500 * time.Millisecond

// Watcher rescans a Store's folder shortly after it changes.
type Watcher struct {
	store    *Store
	debounce time.Duration
	log      logrus.FieldLogger
}

// NewWatcher returns a watcher for store. A debounce of zero or less uses
// DefaultDebounce.
func NewWatcher(store *Store, debounce time.Duration, l logrus.FieldLogger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if l == nil {
		l = discardLogger()
	}
	return &Watcher{store: store, debounce: debounce, log: l}
}

// Run watches until ctx is done, calling onScan after every rescan. Scan
// errors are passed to onScan and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context, onScan func(ScanResult, error)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", w.store.Dir(), err)
	}

	timer := time.NewTimer(w.debounce)
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
			if !relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("media watcher error")
		case <-timer.C:
			res, err := w.store.Rescan(ctx)
			if onScan != nil {
				onScan(res, err)
			}
		}
	}
}

// relevant drops events for our own temp files and for pure attribute
// changes.
func relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
