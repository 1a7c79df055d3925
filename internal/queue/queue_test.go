package queue

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
	"github.com/LucaDeLeo/realitycam-sub011/internal/keystore"
	"github.com/LucaDeLeo/realitycam-sub011/internal/netwatch"
	"github.com/LucaDeLeo/realitycam-sub011/internal/transport"
	"github.com/LucaDeLeo/realitycam-sub011/internal/vault"
)

// fakeClient scripts one response per upload call; extra calls repeat the
// last response.
type fakeClient struct {
	mu        sync.Mutex
	responses []error
	receipt   transport.Receipt
	calls     int
}

func (c *fakeClient) Upload(ctx context.Context, b *bundle.Bundle, onProgress transport.ProgressFunc) (*transport.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var resp error
	if c.calls < len(c.responses) {
		resp = c.responses[c.calls]
	} else if len(c.responses) > 0 {
		resp = c.responses[len(c.responses)-1]
	}
	c.calls++
	if resp != nil {
		return nil, resp
	}
	if onProgress != nil {
		onProgress(int64(len(b.Media)), int64(len(b.Media)))
	}
	r := c.receipt
	return &r, nil
}

func (c *fakeClient) Resumable() bool { return false }

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	queue    *Queue
	store    *Store
	vault    *vault.Store
	vaultDir string
	net      *netwatch.StaticMonitor
	events   chan Item
}

func newHarness(t *testing.T, client transport.Client, opts Options) *harness {
	t.Helper()

	ks, err := keystore.NewFileKeystore(t.TempDir())
	require.NoError(t, err)
	vaultDir := t.TempDir()
	vs, err := vault.Open(vaultDir, vault.NewCipher(ks), vault.Options{})
	require.NoError(t, err)

	qs, err := OpenStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { qs.Close() })

	events := make(chan Item, 128)
	opts.OnChange = func(it Item) { events <- it }
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = Backoff{Base: time.Millisecond, Cap: 50 * time.Millisecond, QuickRetries: 4}
	}

	monitor := netwatch.NewStaticMonitor(true)
	t.Cleanup(func() { monitor.Close() })

	q, err := New(qs, vs, client, monitor, opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return &harness{queue: q, store: qs, vault: vs, vaultDir: vaultDir, net: monitor, events: events}
}

func (h *harness) saveBundle(t *testing.T) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New([]byte("media bytes"), nil, bundle.Metadata{
		SchemaVersion:   1,
		MediaType:       bundle.MediaPhoto,
		CapturedAt:      time.Now().UTC(),
		DurationMs:      0,
		FrameCount:      1,
		FinalHash:       hex.EncodeToString(make([]byte, 32)),
		CheckpointCount: 0,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, h.vault.Save(b))
	return b
}

// waitForState consumes transition events until the bundle reaches the
// wanted state.
func (h *harness) waitForState(t *testing.T, bundleID string, want State) Item {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case it := <-h.events:
			if it.BundleID == bundleID && it.State == want {
				return it
			}
		case <-deadline:
			t.Fatalf("bundle %s never reached state %s", bundleID, want)
		}
	}
}

func TestBackoff_DefaultSchedule(t *testing.T) {
	want := []time.Duration{
		0,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		300000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, DefaultBackoff.Delay(attempt), "attempt %d", attempt)
	}

	// Later attempts stay at the cap.
	assert.Equal(t, 300*time.Second, DefaultBackoff.Delay(6))
	assert.Equal(t, 300*time.Second, DefaultBackoff.Delay(100))
}

func TestBackoff_RateLimitHint(t *testing.T) {
	assert.Equal(t, 30*time.Second, DefaultBackoff.DelayWithHint(1, 30*time.Second))
	// A hint beyond the cap is clamped.
	assert.Equal(t, 300*time.Second, DefaultBackoff.DelayWithHint(1, time.Hour))
	// No hint falls back to the computed delay.
	assert.Equal(t, 2*time.Second, DefaultBackoff.DelayWithHint(2, 0))
}

func TestQueue_DeliversInOrder(t *testing.T) {
	client := &fakeClient{receipt: transport.Receipt{CaptureID: "cap-1", VerificationURL: "https://v/1"}}
	h := newHarness(t, client, Options{})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	h.waitForState(t, b.ID, StateUploading)
	h.waitForState(t, b.ID, StateProcessing)
	done := h.waitForState(t, b.ID, StateCompleted)

	assert.Equal(t, "cap-1", done.CaptureID)
	assert.Equal(t, "https://v/1", done.VerificationURL)
	// The delivered bundle's quota is released.
	assert.False(t, h.vault.Has(b.ID))
}

func TestQueue_RetryableFailureRetries(t *testing.T) {
	client := &fakeClient{
		responses: []error{
			&transport.Error{Class: transport.ClassServer, StatusCode: 502, Message: "bad gateway"},
			&transport.Error{Class: transport.ClassConnectivity, Message: "offline"},
			nil,
		},
		receipt: transport.Receipt{CaptureID: "cap-2"},
	}
	h := newHarness(t, client, Options{})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	failed := h.waitForState(t, b.ID, StateFailed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, transport.ClassServer, failed.ErrorClass)
	assert.False(t, failed.NextAttemptAt.IsZero())

	done := h.waitForState(t, b.ID, StateCompleted)
	assert.Equal(t, 3, client.callCount())
	// The retry path cleared the error.
	assert.Empty(t, done.LastError)
}

func TestQueue_TerminalFailureNeverRetries(t *testing.T) {
	client := &fakeClient{
		responses: []error{
			&transport.Error{Class: transport.ClassValidation, StatusCode: 422, Message: "bad metadata"},
		},
	}
	h := newHarness(t, client, Options{})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	failed := h.waitForState(t, b.ID, StateFailed)
	assert.Equal(t, transport.ClassValidation, failed.ErrorClass)
	// No automatic retry is scheduled.
	assert.True(t, failed.NextAttemptAt.IsZero())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, client.callCount())

	it, err := h.queue.Item(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, it.State)
}

func TestQueue_ManualRetryAfterTerminalFailure(t *testing.T) {
	client := &fakeClient{
		responses: []error{
			&transport.Error{Class: transport.ClassAuth, StatusCode: 403, Message: "denied"},
			nil,
		},
		receipt: transport.Receipt{CaptureID: "cap-3"},
	}
	h := newHarness(t, client, Options{})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	failed := h.waitForState(t, b.ID, StateFailed)
	require.NoError(t, h.queue.Retry(b.ID))

	done := h.waitForState(t, b.ID, StateCompleted)
	// The attempt count survived the retry transition.
	assert.Equal(t, failed.Attempts+1, done.Attempts)
}

func TestQueue_PermanentlyFailedAtAttemptCap(t *testing.T) {
	client := &fakeClient{
		responses: []error{&transport.Error{Class: transport.ClassServer, StatusCode: 500, Message: "boom"}},
	}
	h := newHarness(t, client, Options{MaxAttempts: 3})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	dead := h.waitForState(t, b.ID, StatePermanentlyFailed)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, 3, client.callCount())

	// Dead items cannot be retried, only dismissed.
	assert.ErrorIs(t, h.queue.Retry(b.ID), ErrNotRetryable)
	require.NoError(t, h.queue.Cancel(b.ID))
	_, err := h.queue.Item(b.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestQueue_OfflineGatesDrain(t *testing.T) {
	client := &fakeClient{receipt: transport.Receipt{CaptureID: "cap-4"}}
	h := newHarness(t, client, Options{})
	h.net.SetOnline(false)

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())
	it, err := h.queue.Item(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, it.State)

	h.net.SetOnline(true)
	h.waitForState(t, b.ID, StateCompleted)
}

func TestQueue_PauseResume(t *testing.T) {
	client := &fakeClient{receipt: transport.Receipt{CaptureID: "cap-5"}}
	h := newHarness(t, client, Options{})
	h.queue.Pause()

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	h.queue.Start()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())

	h.queue.Resume()
	h.waitForState(t, b.ID, StateCompleted)
}

func TestQueue_RestartRecoversUploading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Insert(&Item{
		BundleID: "stranded", State: StatePending, EnqueuedAt: now, UpdatedAt: now,
	}))
	it, err := store.Get("stranded")
	require.NoError(t, err)
	it.State = StateUploading
	require.NoError(t, store.Update(it))
	require.NoError(t, store.Close())

	// Reopen as a fresh process would.
	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	recovered, err := store.RecoverInterrupted(time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"stranded"}, recovered)

	it, err = store.Get("stranded")
	require.NoError(t, err)
	assert.Equal(t, StatePending, it.State)
	assert.True(t, it.NextAttemptAt.IsZero())
}

func TestQueue_CancelRules(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Options{})

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))

	// In-flight states are not cancellable.
	it, err := h.store.Get(b.ID)
	require.NoError(t, err)
	it.State = StateUploading
	require.NoError(t, h.store.Update(it))
	assert.ErrorIs(t, h.queue.Cancel(b.ID), ErrNotCancellable)

	it.State = StatePending
	require.NoError(t, h.store.Update(it))
	require.NoError(t, h.queue.Cancel(b.ID))

	// Cancelling removed both the item and the stored bundle.
	_, err = h.queue.Item(b.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.False(t, h.vault.Has(b.ID))
}

func TestQueue_DuplicateEnqueue(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Options{})
	h.queue.Pause()

	b := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(b.ID))
	assert.ErrorIs(t, h.queue.Enqueue(b.ID), ErrDuplicate)
}

func TestQueue_EnqueueUnknownBundle(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Options{})
	assert.ErrorIs(t, h.queue.Enqueue("no-such-bundle"), vault.ErrNotFound)
}

func TestQueue_SequentialOldestFirst(t *testing.T) {
	var order []string
	var mu sync.Mutex
	client := &fakeClient{receipt: transport.Receipt{CaptureID: "cap"}}
	h := newHarness(t, client, Options{
		OnProgress: func(id string, sent, total int64) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		},
	})

	first := h.saveBundle(t)
	second := h.saveBundle(t)
	require.NoError(t, h.queue.Enqueue(first.ID))
	time.Sleep(5 * time.Millisecond) // distinct enqueue timestamps
	require.NoError(t, h.queue.Enqueue(second.ID))
	h.queue.Start()

	h.waitForState(t, first.ID, StateCompleted)
	h.waitForState(t, second.ID, StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{first.ID, second.ID}, order)
}

func TestSpoolWatcher_ImportsOrphans(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Options{})
	h.queue.Pause()

	// A bundle saved before the watcher starts (crashed session).
	orphan := h.saveBundle(t)

	sw, err := WatchSpool(h.queue, h.vaultDir, nil)
	require.NoError(t, err)
	defer sw.Close()

	it, err := h.queue.Item(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, it.State)

	// A second scan is idempotent.
	sw.importOrphans()
	items, err := h.queue.Items()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
