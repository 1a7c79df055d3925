// Package queue delivers encrypted capture bundles to the backend: a
// durable, strictly sequential state machine with exponential-backoff
// retry, gated on network reachability. Delivery state lives in SQLite so
// nothing is lost across restarts; the bundles themselves stay in the
// vault until the backend accepts them.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/netwatch"
	"github.com/LucaDeLeo/realitycam-sub011/internal/transport"
	"github.com/LucaDeLeo/realitycam-sub011/internal/vault"
)

// DefaultMaxAttempts is the retry cap after which an item becomes
// permanently failed.
const DefaultMaxAttempts = 10

// Queue errors.
var (
	ErrNotCancellable = errors.New("queue: item is uploading or processing and cannot be cancelled")
	ErrNotRetryable   = errors.New("queue: only failed items can be retried")
	ErrClosed         = errors.New("queue: closed")
)

// Options tunes the queue.
type Options struct {
	// MaxAttempts caps retries; zero means DefaultMaxAttempts.
	MaxAttempts int

	// Backoff computes retry delays; the zero value means DefaultBackoff.
	Backoff Backoff

	// OnChange observes every item transition. Called from the queue's
	// goroutines with a snapshot; must not call back into the queue.
	OnChange func(Item)

	// OnProgress reports upload progress for the in-flight item.
	OnProgress func(bundleID string, sent, total int64)

	Logger *slog.Logger
}

// Queue owns the item list; enqueue, cancel and retry may be called
// concurrently with the drain loop, which never runs two uploads at once.
type Queue struct {
	store  *Store
	vault  *vault.Store
	client transport.Client
	net    netwatch.Monitor
	opts   Options
	log    *slog.Logger

	mu             sync.Mutex
	paused         bool
	closing        bool
	inflight       string
	cancelInflight context.CancelFunc

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a queue and recovers items stranded by the previous run:
// anything left in uploading resets to pending before the drain starts.
func New(store *Store, vaultStore *vault.Store, client transport.Client, monitor netwatch.Monitor, opts Options) (*Queue, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	recovered, err := store.RecoverInterrupted(time.Now())
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		log.Info("recovered interrupted uploads", "count", len(recovered))
	}

	return &Queue{
		store:  store,
		vault:  vaultStore,
		client: client,
		net:    monitor,
		opts:   opts,
		log:    log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the drain loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Close stops the drain loop, aborting any in-flight upload. The aborted
// item is restored to pending for the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return nil
	}
	q.closing = true
	cancel := q.cancelInflight
	q.mu.Unlock()

	close(q.done)
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

// Enqueue registers a stored bundle for delivery.
func (q *Queue) Enqueue(bundleID string) error {
	if !q.vault.Has(bundleID) {
		return vault.ErrNotFound
	}

	now := time.Now()
	it := &Item{
		BundleID:   bundleID,
		State:      StatePending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.store.Insert(it); err != nil {
		return err
	}
	q.notify(it)
	q.kick()
	return nil
}

// Items returns a snapshot of all items, oldest first.
func (q *Queue) Items() ([]*Item, error) {
	return q.store.List()
}

// Item returns one item's current state.
func (q *Queue) Item(bundleID string) (*Item, error) {
	return q.store.Get(bundleID)
}

// Retry moves a failed item back to pending immediately: the attempt
// count is preserved, the recorded error cleared.
func (q *Queue) Retry(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.store.Get(bundleID)
	if err != nil {
		return err
	}
	if it.State != StateFailed {
		return ErrNotRetryable
	}

	it.State = StatePending
	it.LastError = ""
	it.ErrorClass = ""
	it.NextAttemptAt = time.Time{}
	it.UpdatedAt = time.Now()
	if err := q.store.Update(it); err != nil {
		return err
	}
	q.notify(it)
	q.kick()
	return nil
}

// Cancel removes a pending or failed item along with its stored bundle.
// Permanently failed items may also be dismissed this way. In-flight
// items cannot be cancelled.
func (q *Queue) Cancel(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.store.Get(bundleID)
	if err != nil {
		return err
	}
	switch it.State {
	case StatePending, StateFailed, StatePermanentlyFailed:
	default:
		return ErrNotCancellable
	}

	if err := q.store.Remove(bundleID); err != nil {
		return err
	}
	if err := q.vault.Remove(bundleID); err != nil && !errors.Is(err, vault.ErrNotFound) {
		q.log.Warn("cancelled item left a stored bundle behind", "bundle", bundleID, "error", err)
	}
	return nil
}

// Pause suspends the drain loop after the current upload finishes.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts a paused drain loop.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.kick()
}

// PurgeCompleted drops completed history rows.
func (q *Queue) PurgeCompleted() (int64, error) {
	return q.store.PurgeCompleted()
}

// kick wakes the drain loop without blocking.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) notify(it *Item) {
	if q.opts.OnChange != nil {
		q.opts.OnChange(*it)
	}
}

func (q *Queue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) isClosing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

func (q *Queue) run() {
	defer q.wg.Done()

	changes := q.net.Changes()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var timerC <-chan time.Time

		if !q.isPaused() && q.net.Online() {
			it, err := q.store.NextEligible(time.Now())
			switch {
			case err != nil:
				q.log.Error("queue scan failed", "error", err)
			case it != nil:
				q.deliver(it)
				if q.isClosing() {
					return
				}
				continue
			default:
				// Nothing due yet: sleep until the earliest retry.
				if at, err := q.store.NextRetryAt(); err == nil && !at.IsZero() {
					wait := time.Until(at)
					if wait < time.Millisecond {
						wait = time.Millisecond
					}
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(wait)
					timerC = timer.C
				}
			}
		}

		select {
		case <-q.done:
			return
		case <-q.wake:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		case <-timerC:
		}
	}
}

// deliver runs one item through uploading and on to processing/completed
// or failed.
func (q *Queue) deliver(it *Item) {
	now := time.Now()

	// An automatic retry passes through pending first: count preserved,
	// error cleared.
	if it.State == StateFailed {
		it.State = StatePending
		it.LastError = ""
		it.ErrorClass = ""
		it.NextAttemptAt = time.Time{}
		it.UpdatedAt = now
		if err := q.store.Update(it); err != nil {
			q.log.Error("retry transition failed", "bundle", it.BundleID, "error", err)
			return
		}
		q.notify(it)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		cancel()
		return
	}
	q.inflight = it.BundleID
	q.cancelInflight = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inflight = ""
		q.cancelInflight = nil
		q.mu.Unlock()
		cancel()
	}()

	it.State = StateUploading
	it.UpdatedAt = time.Now()
	if err := q.store.Update(it); err != nil {
		q.log.Error("upload transition failed", "bundle", it.BundleID, "error", err)
		return
	}
	q.notify(it)

	b, err := q.vault.Load(it.BundleID)
	if err != nil {
		// The bundle is gone or unreadable; nothing can be delivered.
		q.log.Error("stored bundle unreadable", "bundle", it.BundleID, "error", err)
		it.Attempts++
		it.State = StatePermanentlyFailed
		it.LastError = err.Error()
		it.NextAttemptAt = time.Time{}
		it.UpdatedAt = time.Now()
		if err := q.store.Update(it); err != nil {
			q.log.Error("failure transition failed", "bundle", it.BundleID, "error", err)
		}
		q.notify(it)
		return
	}

	var onProgress transport.ProgressFunc
	if q.opts.OnProgress != nil {
		id := it.BundleID
		onProgress = func(sent, total int64) { q.opts.OnProgress(id, sent, total) }
	}

	q.log.Info("uploading bundle", "bundle", it.BundleID, "attempt", it.Attempts)
	receipt, err := q.client.Upload(ctx, b, onProgress)
	if err != nil {
		if q.isClosing() {
			// Shutdown aborted the transfer; this attempt does not count.
			it.State = StatePending
			it.UpdatedAt = time.Now()
			if err := q.store.Update(it); err != nil {
				q.log.Error("shutdown transition failed", "bundle", it.BundleID, "error", err)
			}
			q.notify(it)
			return
		}
		q.fail(it, err)
		return
	}

	it.State = StateProcessing
	it.CaptureID = receipt.CaptureID
	it.VerificationURL = receipt.VerificationURL
	it.UpdatedAt = time.Now()
	if err := q.store.Update(it); err != nil {
		q.log.Error("processing transition failed", "bundle", it.BundleID, "error", err)
		return
	}
	q.notify(it)

	// Accepted by the backend: the local encrypted copy has served its
	// purpose and its quota is released.
	if err := q.vault.Remove(it.BundleID); err != nil {
		q.log.Warn("could not remove delivered bundle", "bundle", it.BundleID, "error", err)
	}

	it.State = StateCompleted
	it.UpdatedAt = time.Now()
	if err := q.store.Update(it); err != nil {
		q.log.Error("completion transition failed", "bundle", it.BundleID, "error", err)
		return
	}
	q.notify(it)
	q.log.Info("bundle delivered", "bundle", it.BundleID, "capture", it.CaptureID)
}

// fail records an upload error. Retryable classes schedule the next
// attempt; terminal classes park the item in failed with no schedule; the
// attempt cap turns the item permanently failed.
func (q *Queue) fail(it *Item, uploadErr error) {
	it.Attempts++
	class := transport.Classify(uploadErr)
	it.LastError = uploadErr.Error()
	it.ErrorClass = class
	it.UpdatedAt = time.Now()

	switch {
	case !class.Retryable():
		it.State = StateFailed
		it.NextAttemptAt = time.Time{}
		q.log.Warn("upload failed terminally", "bundle", it.BundleID, "class", class, "error", uploadErr)
	case it.Attempts >= q.opts.MaxAttempts:
		it.State = StatePermanentlyFailed
		it.NextAttemptAt = time.Time{}
		q.log.Error("upload permanently failed", "bundle", it.BundleID, "attempts", it.Attempts)
	default:
		delay := q.opts.Backoff.DelayWithHint(it.Attempts, transport.RetryAfterHint(uploadErr))
		it.State = StateFailed
		it.NextAttemptAt = time.Now().Add(delay)
		q.log.Warn("upload failed, retry scheduled",
			"bundle", it.BundleID, "class", class, "attempt", it.Attempts, "delay", delay)
	}

	if err := q.store.Update(it); err != nil {
		q.log.Error("failure transition failed", "bundle", it.BundleID, "error", err)
	}
	q.notify(it)
}
