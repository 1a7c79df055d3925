package capture

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucaDeLeo/realitycam-sub011/internal/attest"
	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
	"github.com/LucaDeLeo/realitycam-sub011/internal/depth"
	"github.com/LucaDeLeo/realitycam-sub011/internal/hashchain"
	"github.com/LucaDeLeo/realitycam-sub011/internal/keystore"
	"github.com/LucaDeLeo/realitycam-sub011/internal/vault"
)

type fakeQueue struct {
	enqueued []string
	err      error
}

func (q *fakeQueue) Enqueue(id string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, id)
	return nil
}

type env struct {
	session *Session
	vault   *vault.Store
	queue   *fakeQueue
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	ks, err := keystore.NewFileKeystore(t.TempDir())
	require.NoError(t, err)
	vs, err := vault.Open(t.TempDir(), vault.NewCipher(ks), vault.Options{})
	require.NoError(t, err)

	svc := attest.NewService(attest.NewSoftwareAuthority(), ks)
	q := &fakeQueue{}
	return &env{
		session: NewSession(cfg, svc, vs, q, nil),
		vault:   vs,
		queue:   q,
	}
}

func depthGrid(w, h int) []byte {
	grid := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint32(grid[i*4:], uint32(i))
	}
	return grid
}

func addFrames(t *testing.T, s *Session, n int, withDepth bool) {
	t.Helper()
	res := depth.Resolution{Width: 4, Height: 4}
	for i := 1; i <= n; i++ {
		f := Frame{
			Number:    uint64(i),
			Timestamp: time.Duration(i-1) * 33 * time.Millisecond,
			Data:      []byte(fmt.Sprintf("frame-%d", i)),
		}
		if withDepth {
			f.DepthData = depthGrid(4, 4)
			f.DepthResolution = res
		}
		require.NoError(t, s.AddFrame(f))
	}
}

func TestComplete_FullSession(t *testing.T) {
	e := newEnv(t, Config{MediaType: bundle.MediaVideo})
	addFrames(t, e.session, 450, true)

	res, err := e.session.Complete(context.Background(), []byte("encoded video"))
	require.NoError(t, err)
	assert.True(t, res.Attested)
	assert.False(t, res.Metadata.IsPartial)
	assert.Equal(t, 450, res.Metadata.FrameCount)
	assert.Equal(t, 3, res.Metadata.CheckpointCount)
	assert.Equal(t, int64(449*33), res.Metadata.DurationMs)

	// The bundle is stored and queued.
	assert.Equal(t, []string{res.BundleID}, e.queue.enqueued)
	b, err := e.vault.Load(res.BundleID)
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded video"), b.Media)
	require.NotNil(t, b.Depth)
	assert.Equal(t, 150, len(b.Depth.Keyframes))
	require.NotNil(t, b.Assertion)
	assert.False(t, b.Assertion.IsPartial)
}

func TestComplete_FinalHashMatchesChain(t *testing.T) {
	e := newEnv(t, Config{})
	addFrames(t, e.session, 10, false)

	// An identical independent chain predicts the final hash.
	ref := hashchain.NewBuilder(0)
	for i := 1; i <= 10; i++ {
		_, err := ref.Process(hashchain.Frame{
			Number:    uint64(i),
			Timestamp: time.Duration(i-1) * 33 * time.Millisecond,
			Data:      []byte(fmt.Sprintf("frame-%d", i)),
		})
		require.NoError(t, err)
	}
	want := ref.ChainData().FinalHash

	res, err := e.session.Complete(context.Background(), []byte("media"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), res.Metadata.FinalHash)
}

func TestInterrupt_SignsLatestCheckpoint(t *testing.T) {
	e := newEnv(t, Config{})
	addFrames(t, e.session, 320, false)

	res, err := e.session.Interrupt(context.Background(), []byte("partial video"))
	require.NoError(t, err)
	assert.True(t, res.Attested)
	assert.True(t, res.Metadata.IsPartial)

	// Verified extent is the checkpoint's, not the recording's.
	assert.Equal(t, 300, res.Metadata.FrameCount)
	assert.Equal(t, int64(299*33), res.Metadata.DurationMs)

	b, err := e.vault.Load(res.BundleID)
	require.NoError(t, err)
	require.NotNil(t, b.Assertion)
	assert.True(t, b.Assertion.IsPartial)
	assert.Equal(t, 1, b.Assertion.CheckpointIndex)
}

func TestInterrupt_BeforeFirstCheckpoint(t *testing.T) {
	e := newEnv(t, Config{})
	addFrames(t, e.session, 80, false)

	// No checkpoint exists, yet the evidence is preserved and queued.
	res, err := e.session.Interrupt(context.Background(), []byte("short clip"))
	require.NoError(t, err)
	assert.False(t, res.Attested)
	assert.True(t, res.Metadata.IsPartial)
	assert.Equal(t, 80, res.Metadata.FrameCount)
	assert.Len(t, e.queue.enqueued, 1)

	b, err := e.vault.Load(res.BundleID)
	require.NoError(t, err)
	assert.Nil(t, b.Assertion)
}

func TestSession_ClosedAfterFinish(t *testing.T) {
	e := newEnv(t, Config{})
	addFrames(t, e.session, 5, false)

	_, err := e.session.Complete(context.Background(), []byte("media"))
	require.NoError(t, err)

	assert.ErrorIs(t, e.session.AddFrame(Frame{Number: 6, Data: []byte("x")}), ErrSessionClosed)
	_, err = e.session.Complete(context.Background(), []byte("media"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = e.session.Interrupt(context.Background(), []byte("media"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_NoFrames(t *testing.T) {
	e := newEnv(t, Config{})
	_, err := e.session.Complete(context.Background(), []byte("media"))
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestSession_ChainErrorsSurface(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.session.AddFrame(Frame{Number: 1, Timestamp: 0, Data: []byte("a")}))

	err := e.session.AddFrame(Frame{Number: 3, Timestamp: time.Millisecond, Data: []byte("c")})
	assert.ErrorIs(t, err, hashchain.ErrOutOfOrder)
}

func TestSession_EnqueueFailureKeepsBundle(t *testing.T) {
	e := newEnv(t, Config{})
	e.queue.err = fmt.Errorf("queue database locked")
	addFrames(t, e.session, 5, false)

	res, err := e.session.Complete(context.Background(), []byte("media"))
	require.NoError(t, err)

	// The bundle survives in the vault for the spool watcher.
	assert.True(t, e.vault.Has(res.BundleID))
	assert.Empty(t, e.queue.enqueued)
}
