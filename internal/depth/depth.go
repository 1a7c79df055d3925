// Package depth implements the depth keyframe pipeline for a recording
// session.
//
// During capture the extractor samples one depth frame per SampleInterval
// captured frames (3 -> 10 Hz from a 30 Hz source), validates the fixed
// float32 grid encoding, and appends the raw bytes to an accumulation
// buffer. Per-frame work stays cheap; the single deflate compression pass
// happens once at finalize, off the frame-delivery path.
package depth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
)

// Defaults for a 15 second session at 30 fps.
const (
	// DefaultSampleInterval samples every 3rd frame (10 Hz from 30 Hz).
	DefaultSampleInterval = 3

	// DefaultMaxKeyframes caps accumulation at 150 keyframes (15 s at 10 Hz).
	DefaultMaxKeyframes = 150

	bytesPerSample = 4 // float32 grid cells
)

// Errors
var (
	ErrInvalidGrid        = errors.New("depth: data is not a fixed float32 grid")
	ErrResolutionMismatch = errors.New("depth: resolution changed mid-session")
	ErrFinalized          = errors.New("depth: extractor already finalized")
)

// Resolution is the depth grid size, fixed by the first sample of a session.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// byteSize returns the expected encoded size of one grid at this resolution.
func (r Resolution) byteSize() int {
	return r.Width * r.Height * bytesPerSample
}

// Keyframe is one index entry in a KeyframeSet. ByteOffset locates the raw
// sample inside the decompressed blob.
type Keyframe struct {
	Index      int           `json:"index"`
	Timestamp  time.Duration `json:"timestamp"`
	ByteOffset int           `json:"byte_offset"`
}

// KeyframeSet is the finalized output of a session: the ordered keyframe
// index plus one compressed blob of all concatenated raw samples.
type KeyframeSet struct {
	Keyframes        []Keyframe `json:"keyframes"`
	Resolution       Resolution `json:"resolution"`
	CompressedBlob   []byte     `json:"-"`
	UncompressedSize int        `json:"uncompressed_size"`
}

// Count returns the number of keyframes in the set.
func (s *KeyframeSet) Count() int {
	return len(s.Keyframes)
}

// Extractor accumulates depth keyframes for one recording session.
// All mutable state sits behind one lock; Extract and Finalize are safe to
// call concurrently, and Finalize drains the state atomically.
type Extractor struct {
	mu sync.Mutex

	sampleInterval int
	maxKeyframes   int

	resolution *Resolution
	buf        bytes.Buffer
	keyframes  []Keyframe
	frameCount uint64
	finalized  bool
}

// NewExtractor creates an extractor. Non-positive arguments fall back to
// the package defaults.
func NewExtractor(sampleInterval, maxKeyframes int) *Extractor {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	if maxKeyframes <= 0 {
		maxKeyframes = DefaultMaxKeyframes
	}
	return &Extractor{
		sampleInterval: sampleInterval,
		maxKeyframes:   maxKeyframes,
	}
}

// Extract offers one captured frame's depth data to the pipeline. Frames
// that fall between sampling points, carry no depth data, or arrive after
// the keyframe cap are skipped; sampled frames are validated and appended.
// Returns true if the frame was recorded as a keyframe.
func (e *Extractor) Extract(data []byte, res Resolution, ts time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return false, ErrFinalized
	}

	e.frameCount++
	if (e.frameCount-1)%uint64(e.sampleInterval) != 0 {
		return false, nil
	}
	if len(data) == 0 {
		return false, nil
	}
	if len(e.keyframes) >= e.maxKeyframes {
		return false, nil
	}

	if res.Width <= 0 || res.Height <= 0 || len(data) != res.byteSize() {
		return false, fmt.Errorf("%w: %d bytes for %s", ErrInvalidGrid, len(data), res)
	}

	// First sample fixes the session resolution.
	if e.resolution == nil {
		r := res
		e.resolution = &r
	} else if *e.resolution != res {
		return false, fmt.Errorf("%w: session is %s, sample is %s",
			ErrResolutionMismatch, *e.resolution, res)
	}

	e.keyframes = append(e.keyframes, Keyframe{
		Index:      len(e.keyframes),
		Timestamp:  ts,
		ByteOffset: e.buf.Len(),
	})
	e.buf.Write(data)
	return true, nil
}

// Count returns the number of keyframes accumulated so far.
func (e *Extractor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keyframes)
}

// Finalize compresses the accumulated buffer and returns the keyframe set,
// draining all session state. Returns (nil, nil) when no keyframes were
// collected. The extractor cannot be reused after Finalize; use Reset to
// start a new session instead.
func (e *Extractor) Finalize() (*KeyframeSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil, ErrFinalized
	}
	e.finalized = true

	if len(e.keyframes) == 0 {
		return nil, nil
	}

	raw := e.buf.Bytes()
	compressed, err := compress(raw)
	if err != nil {
		return nil, fmt.Errorf("depth: compress keyframe buffer: %w", err)
	}

	set := &KeyframeSet{
		Keyframes:        e.keyframes,
		Resolution:       *e.resolution,
		CompressedBlob:   compressed,
		UncompressedSize: len(raw),
	}

	e.keyframes = nil
	e.resolution = nil
	e.buf = bytes.Buffer{}
	return set, nil
}

// Reset clears all state for a new session.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyframes = nil
	e.resolution = nil
	e.buf = bytes.Buffer{}
	e.frameCount = 0
	e.finalized = false
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a keyframe set's blob back to the raw concatenated
// samples. Used by verification and tests, never on the capture path.
func Decompress(blob []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(blob))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("depth: decompress blob: %w", err)
	}
	return raw, nil
}
