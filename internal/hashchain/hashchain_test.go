package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameInterval = 33 * time.Millisecond

func testFrame(n uint64) Frame {
	return Frame{
		Number:    n,
		Timestamp: time.Duration(n-1) * frameInterval,
		Data:      []byte(fmt.Sprintf("frame-%06d", n)),
	}
}

func buildChain(t *testing.T, b *Builder, frames int) {
	t.Helper()
	for i := 1; i <= frames; i++ {
		_, err := b.Process(testFrame(uint64(i)))
		require.NoError(t, err)
	}
}

func TestProcess_FirstLink(t *testing.T) {
	b := NewBuilder(150)
	frame := testFrame(1)

	link, err := b.Process(frame)
	require.NoError(t, err)

	// hash[0] = H(data[0] || ts[0])
	h := sha256.New()
	h.Write(frame.Data)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(frame.Timestamp.Nanoseconds()))
	h.Write(ts[:])

	var want [32]byte
	copy(want[:], h.Sum(nil))
	assert.Equal(t, want, link)
}

func TestProcess_ChainsPreviousLink(t *testing.T) {
	b := NewBuilder(150)
	first, err := b.Process(testFrame(1))
	require.NoError(t, err)

	frame := testFrame(2)
	second, err := b.Process(frame)
	require.NoError(t, err)

	h := sha256.New()
	h.Write(first[:])
	h.Write(frame.Data)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(frame.Timestamp.Nanoseconds()))
	h.Write(ts[:])

	var want [32]byte
	copy(want[:], h.Sum(nil))
	assert.Equal(t, want, second)
}

func TestProcess_Determinism(t *testing.T) {
	a := NewBuilder(150)
	b := NewBuilder(150)
	buildChain(t, a, 100)
	buildChain(t, b, 100)

	assert.Equal(t, a.ChainData().FinalHash, b.ChainData().FinalHash)
}

func TestProcess_OutOfOrder(t *testing.T) {
	b := NewBuilder(150)
	_, err := b.Process(testFrame(1))
	require.NoError(t, err)

	_, err = b.Process(testFrame(3))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// Duplicate delivery is also out of order.
	_, err = b.Process(testFrame(1))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestProcess_EmptyFrame(t *testing.T) {
	b := NewBuilder(150)
	_, err := b.Process(Frame{Number: 1})
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestCheckpoints_FifteenSecondSession(t *testing.T) {
	// 450 frames at 30 fps: checkpoints at 150, 300, 450 and nowhere else.
	b := NewBuilder(150)
	buildChain(t, b, 450)

	data := b.ChainData()
	require.Len(t, data.Checkpoints, 3)

	for i, wantFrame := range []uint64{150, 300, 450} {
		cp := data.Checkpoints[i]
		assert.Equal(t, i, cp.Index)
		assert.Equal(t, wantFrame, cp.FrameNumber)
		assert.Equal(t, data.FrameHashes[wantFrame-1], cp.Hash)
		assert.Equal(t, time.Duration(wantFrame-1)*frameInterval, cp.Timestamp)
	}
}

func TestCheckpoints_NoneBeforeFirstBoundary(t *testing.T) {
	b := NewBuilder(150)
	buildChain(t, b, 149)
	assert.Empty(t, b.ChainData().Checkpoints)
	assert.Nil(t, b.ChainData().LatestCheckpoint())
}

func TestChainData_SnapshotIsImmutable(t *testing.T) {
	b := NewBuilder(150)
	buildChain(t, b, 10)

	snap := b.ChainData()
	snap.FrameHashes[0] = [32]byte{0xFF}

	fresh := b.ChainData()
	assert.NotEqual(t, snap.FrameHashes[0], fresh.FrameHashes[0])
}

func TestChainData_FinalHashIsLastLink(t *testing.T) {
	b := NewBuilder(150)
	buildChain(t, b, 42)

	data := b.ChainData()
	assert.Equal(t, data.FrameHashes[41], data.FinalHash)
	assert.Equal(t, 42, data.FrameCount())
}

func TestReset(t *testing.T) {
	b := NewBuilder(150)
	buildChain(t, b, 200)
	b.Reset()

	assert.Equal(t, 0, b.FrameCount())
	link, err := b.Process(testFrame(1))
	require.NoError(t, err)

	fresh := NewBuilder(150)
	wantLink, err := fresh.Process(testFrame(1))
	require.NoError(t, err)
	assert.Equal(t, wantLink, link)
}

func TestProcess_ConcurrentSubmissions(t *testing.T) {
	// Concurrent callers race to submit; exactly one holds the next frame
	// number at a time, the rest get ErrOutOfOrder. The resulting chain must
	// equal the sequential one.
	const frames = 300

	b := NewBuilder(150)
	var wg sync.WaitGroup
	next := make(chan uint64, 1)
	next <- 1

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, ok := <-next
				if !ok {
					return
				}
				if n > frames {
					close(next)
					return
				}
				_, err := b.Process(testFrame(n))
				if err != nil {
					panic(err)
				}
				next <- n + 1
			}
		}()
	}
	wg.Wait()

	seq := NewBuilder(150)
	buildChain(t, seq, frames)
	assert.Equal(t, seq.ChainData().FinalHash, b.ChainData().FinalHash)
}

func TestVerify(t *testing.T) {
	b := NewBuilder(150)
	buildChain(t, b, 450)
	data := b.ChainData()

	require.NoError(t, Verify(data))

	t.Run("tampered checkpoint", func(t *testing.T) {
		bad := b.ChainData()
		bad.Checkpoints[1].Hash[0] ^= 0x01
		err := Verify(bad)
		assert.ErrorIs(t, err, ErrBadCheckpoint)
	})

	t.Run("tampered final hash", func(t *testing.T) {
		bad := b.ChainData()
		bad.FinalHash[0] ^= 0x01
		err := Verify(bad)
		assert.ErrorIs(t, err, ErrBrokenChain)
	})

	t.Run("empty chain", func(t *testing.T) {
		err := Verify(&ChainData{})
		assert.True(t, errors.Is(err, ErrEmptyChain))
	})
}
