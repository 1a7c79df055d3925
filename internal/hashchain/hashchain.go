// Package hashchain implements the per-frame integrity chain for a
// recording session.
//
// Each captured frame extends a SHA-256 hash chain:
//
//	hash[0] = H(data[0] || ts[0])
//	hash[i] = H(hash[i-1] || data[i] || ts[i])
//
// Every CheckpointInterval frames the current link is recorded as a
// checkpoint, so an interrupted recording can still present a verifiable
// prefix of the chain. The final link commits to every frame of the session.
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCheckpointInterval is the number of frames between checkpoints
// (150 frames = 5 seconds at 30 fps).
const DefaultCheckpointInterval = 150

// Errors
var (
	ErrOutOfOrder    = errors.New("hashchain: frame out of order")
	ErrEmptyFrame    = errors.New("hashchain: frame has no data")
	ErrChainFinal    = errors.New("hashchain: chain already finalized")
	ErrEmptyChain    = errors.New("hashchain: chain is empty")
	ErrBrokenChain   = errors.New("hashchain: chain verification failed")
	ErrBadCheckpoint = errors.New("hashchain: checkpoint does not match chain")
)

// Frame is one sampled capture unit delivered by the capture source.
// Frames are transient: the builder hashes Data and does not retain it.
type Frame struct {
	// Number is the 1-based sequence index assigned by the capture source.
	Number uint64

	// Timestamp is the frame's offset from the start of the recording.
	Timestamp time.Duration

	// Data holds the encoded image bytes for this frame.
	Data []byte

	// Depth optionally holds the raw depth sample for this frame.
	Depth []byte
}

// Checkpoint is a periodically recorded, independently verifiable point in
// the chain. Hash equals the chain link of the frame it covers.
type Checkpoint struct {
	Index       int           `json:"index"`
	FrameNumber uint64        `json:"frame_number"`
	Hash        [32]byte      `json:"hash"`
	Timestamp   time.Duration `json:"timestamp"`
}

// ChainData is an immutable snapshot of a chain. FrameHashes[i] is the link
// for frame i+1; FinalHash equals the last link.
type ChainData struct {
	FrameHashes []([32]byte) `json:"frame_hashes"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	FinalHash   [32]byte     `json:"final_hash"`
}

// FrameCount returns the number of frames the snapshot covers.
func (d *ChainData) FrameCount() int {
	return len(d.FrameHashes)
}

// LatestCheckpoint returns the most recent checkpoint, or nil if none
// was reached before the snapshot was taken.
func (d *ChainData) LatestCheckpoint() *Checkpoint {
	if len(d.Checkpoints) == 0 {
		return nil
	}
	cp := d.Checkpoints[len(d.Checkpoints)-1]
	return &cp
}

// Builder incrementally constructs a hash chain for one recording session.
// Process serializes concurrent submissions; the caller-supplied frame
// number, not arrival order, is the ordering key.
type Builder struct {
	mu sync.Mutex

	interval    uint64
	hashes      [][32]byte
	checkpoints []Checkpoint
	lastHash    [32]byte
	nextNumber  uint64
}

// NewBuilder creates a builder with the given checkpoint interval.
// A non-positive interval falls back to DefaultCheckpointInterval.
func NewBuilder(checkpointInterval int) *Builder {
	if checkpointInterval <= 0 {
		checkpointInterval = DefaultCheckpointInterval
	}
	return &Builder{
		interval:   uint64(checkpointInterval),
		nextNumber: 1,
	}
}

// Process appends the next chain link for the frame and returns it.
// Frames must arrive with strictly sequential numbers starting at 1;
// anything else is a caller error and fatal to the session.
func (b *Builder) Process(frame Frame) ([32]byte, error) {
	if len(frame.Data) == 0 {
		return [32]byte{}, ErrEmptyFrame
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if frame.Number != b.nextNumber {
		return [32]byte{}, fmt.Errorf("%w: got frame %d, expected %d",
			ErrOutOfOrder, frame.Number, b.nextNumber)
	}

	var link [32]byte
	if frame.Number == 1 {
		link = hashLink(nil, frame.Data, frame.Timestamp)
	} else {
		link = hashLink(b.lastHash[:], frame.Data, frame.Timestamp)
	}

	b.hashes = append(b.hashes, link)
	b.lastHash = link
	b.nextNumber++

	if frame.Number%b.interval == 0 {
		b.checkpoints = append(b.checkpoints, Checkpoint{
			Index:       len(b.checkpoints),
			FrameNumber: frame.Number,
			Hash:        link,
			Timestamp:   frame.Timestamp,
		})
	}

	return link, nil
}

// ChainData returns an immutable snapshot of the chain so far.
func (b *Builder) ChainData() *ChainData {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := &ChainData{
		FrameHashes: make([][32]byte, len(b.hashes)),
		Checkpoints: make([]Checkpoint, len(b.checkpoints)),
		FinalHash:   b.lastHash,
	}
	copy(data.FrameHashes, b.hashes)
	copy(data.Checkpoints, b.checkpoints)
	return data
}

// FrameCount returns the number of frames processed so far.
func (b *Builder) FrameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hashes)
}

// Reset clears all state for a new recording session.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hashes = nil
	b.checkpoints = nil
	b.lastHash = [32]byte{}
	b.nextNumber = 1
}

// hashLink computes one chain link. The timestamp is bound into the hash as
// a big-endian nanosecond count so identical image bytes at different times
// produce different links.
func hashLink(prev, data []byte, ts time.Duration) [32]byte {
	h := sha256.New()
	if prev != nil {
		h.Write(prev)
	}
	h.Write(data)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.Nanoseconds()))
	h.Write(buf[:])

	var link [32]byte
	copy(link[:], h.Sum(nil))
	return link
}

// Verify checks a snapshot's internal consistency: every checkpoint must
// equal the chain link of the frame it covers, and the final hash must
// equal the last link.
func Verify(d *ChainData) error {
	if d == nil || len(d.FrameHashes) == 0 {
		return ErrEmptyChain
	}
	if d.FinalHash != d.FrameHashes[len(d.FrameHashes)-1] {
		return fmt.Errorf("%w: final hash does not match last link", ErrBrokenChain)
	}
	for _, cp := range d.Checkpoints {
		if cp.FrameNumber == 0 || cp.FrameNumber > uint64(len(d.FrameHashes)) {
			return fmt.Errorf("%w: checkpoint %d covers frame %d beyond chain length %d",
				ErrBadCheckpoint, cp.Index, cp.FrameNumber, len(d.FrameHashes))
		}
		if cp.Hash != d.FrameHashes[cp.FrameNumber-1] {
			return fmt.Errorf("%w: checkpoint %d hash mismatch at frame %d",
				ErrBadCheckpoint, cp.Index, cp.FrameNumber)
		}
	}
	return nil
}
