package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// spoolDebounce coalesces the burst of events a bundle directory rename
// produces into one import scan.
const spoolDebounce = 200 * time.Millisecond

// SpoolWatcher imports bundles that appear in the vault outside Enqueue,
// typically persisted by a session that crashed before it could enqueue.
// Imports are idempotent: already-queued bundles are skipped.
type SpoolWatcher struct {
	queue   *Queue
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
}

// WatchSpool scans the vault once for orphaned bundles, then keeps
// watching its root directory for new arrivals.
func WatchSpool(q *Queue, vaultRoot string, log *slog.Logger) (*SpoolWatcher, error) {
	if log == nil {
		log = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("queue: create spool watcher: %w", err)
	}
	if err := w.Add(vaultRoot); err != nil {
		w.Close()
		return nil, fmt.Errorf("queue: watch %s: %w", vaultRoot, err)
	}

	sw := &SpoolWatcher{queue: q, watcher: w, log: log, done: make(chan struct{})}
	sw.importOrphans()
	go sw.loop()
	return sw, nil
}

// Close stops watching.
func (w *SpoolWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *SpoolWatcher) loop() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(spoolDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(spoolDebounce)
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.importOrphans()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("spool watcher error", "error", err)
		}
	}
}

// importOrphans enqueues every stored bundle that has no queue item.
func (w *SpoolWatcher) importOrphans() {
	ids, err := w.queue.vault.List()
	if err != nil {
		w.log.Warn("spool scan failed", "error", err)
		return
	}

	for _, id := range ids {
		if err := w.queue.Enqueue(id); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			w.log.Warn("spool import failed", "bundle", id, "error", err)
			continue
		}
		w.log.Info("imported orphaned bundle", "bundle", id)
	}
}
