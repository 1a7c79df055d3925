// Package capture orchestrates one recording session: frames flow through
// the hash chain and depth pipeline live, and at session end (normal or
// interrupted) the result is attested, encrypted into the vault, and
// handed to the upload queue. Partial evidence is always preserved: an
// interrupted session still produces a queued bundle.
package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/attest"
	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
	"github.com/LucaDeLeo/realitycam-sub011/internal/depth"
	"github.com/LucaDeLeo/realitycam-sub011/internal/hashchain"
	"github.com/LucaDeLeo/realitycam-sub011/internal/vault"
)

// Session errors.
var (
	ErrSessionClosed = errors.New("capture: session already finished")
	ErrNoFrames      = errors.New("capture: session has no frames")
)

// Enqueuer is the slice of the upload queue a session needs.
type Enqueuer interface {
	Enqueue(bundleID string) error
}

// Config describes one session.
type Config struct {
	MediaType bundle.MediaType

	// CheckpointInterval overrides the hash chain default when nonzero.
	CheckpointInterval int

	// DepthSampleInterval and MaxDepthKeyframes override the depth
	// pipeline defaults when nonzero.
	DepthSampleInterval int
	MaxDepthKeyframes   int

	DeviceModel string
	OSVersion   string
	AppVersion  string
}

// Frame is one captured frame plus its optional depth sample.
type Frame struct {
	Number    uint64
	Timestamp time.Duration
	Data      []byte

	// DepthData is nil for frames without a depth sample (or photo
	// sessions entirely).
	DepthData       []byte
	DepthResolution depth.Resolution
}

// Result reports what a finished session produced.
type Result struct {
	BundleID string
	Metadata bundle.Metadata

	// Attested is false when an interrupted session ended before its
	// first checkpoint; the bundle is still queued, unattested.
	Attested bool
}

// Session runs the capture-time pipeline. AddFrame is the single
// serialized entry point for the frame-delivery path; Complete and
// Interrupt may be called once, from any goroutine.
type Session struct {
	cfg     Config
	attest  *attest.Service
	vault   *vault.Store
	queue   Enqueuer
	log     *slog.Logger
	started time.Time

	mu     sync.Mutex
	chain  *hashchain.Builder
	depth  *depth.Extractor
	lastTS time.Duration
	closed bool
}

// NewSession starts a session.
func NewSession(cfg Config, svc *attest.Service, store *vault.Store, q Enqueuer, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MediaType == "" {
		cfg.MediaType = bundle.MediaVideo
	}
	interval := cfg.CheckpointInterval
	if interval == 0 {
		interval = hashchain.DefaultCheckpointInterval
	}
	sample := cfg.DepthSampleInterval
	if sample == 0 {
		sample = depth.DefaultSampleInterval
	}
	maxKF := cfg.MaxDepthKeyframes
	if maxKF == 0 {
		maxKF = depth.DefaultMaxKeyframes
	}

	return &Session{
		cfg:     cfg,
		attest:  svc,
		vault:   store,
		queue:   q,
		log:     log,
		started: time.Now().UTC(),
		chain:   hashchain.NewBuilder(interval),
		depth:   depth.NewExtractor(sample, maxKF),
	}
}

// AddFrame feeds one frame through the hash chain and, when a depth
// sample is attached, the depth pipeline. Chain errors are fatal to the
// session; a full depth set only stops further sampling.
func (s *Session) AddFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	if _, err := s.chain.Process(hashchain.Frame{
		Number:    f.Number,
		Timestamp: f.Timestamp,
		Data:      f.Data,
		Depth:     f.DepthData,
	}); err != nil {
		return err
	}
	s.lastTS = f.Timestamp

	if f.DepthData != nil {
		if _, err := s.depth.Extract(f.DepthData, f.DepthResolution, f.Timestamp); err != nil {
			return fmt.Errorf("capture: depth sample for frame %d: %w", f.Number, err)
		}
	}
	return nil
}

// Complete ends a session normally: the final chain hash is attested and
// the bundle stored and queued.
func (s *Session) Complete(ctx context.Context, media []byte) (*Result, error) {
	chain, depthSet, lastTS, err := s.finish()
	if err != nil {
		return nil, err
	}

	assertion, err := s.attest.AssertFinal(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("capture: attest final hash: %w", err)
	}

	meta := s.metadata(chain, false, chain.FinalHash, uint64(chain.FrameCount()), lastTS)
	return s.persist(media, depthSet, meta, assertion)
}

// Interrupt ends a session early: the latest signed checkpoint stands in
// for the final hash. A session interrupted before its first checkpoint
// cannot be attested, but its evidence is still bundled and queued.
func (s *Session) Interrupt(ctx context.Context, media []byte) (*Result, error) {
	chain, depthSet, lastTS, err := s.finish()
	if err != nil {
		return nil, err
	}

	assertion, err := s.attest.AssertCheckpoint(ctx, chain)
	if err != nil {
		if !errors.Is(err, attest.ErrNoCheckpoints) {
			return nil, fmt.Errorf("capture: attest checkpoint: %w", err)
		}
		s.log.Warn("interrupted before first checkpoint, queuing unattested evidence",
			"frames", chain.FrameCount())

		last := chain.FrameHashes[chain.FrameCount()-1]
		meta := s.metadata(chain, true, last, uint64(chain.FrameCount()), lastTS)
		return s.persist(media, depthSet, meta, nil)
	}

	// Verified extent is the checkpoint's, never the full recording.
	meta := s.metadata(chain, true, assertion.Digest, assertion.VerifiedFrames, assertion.VerifiedDuration)
	return s.persist(media, depthSet, meta, assertion)
}

// finish drains the capture-time state exactly once.
func (s *Session) finish() (*hashchain.ChainData, *depth.KeyframeSet, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, 0, ErrSessionClosed
	}
	s.closed = true

	chain := s.chain.ChainData()
	if chain.FrameCount() == 0 {
		return nil, nil, 0, ErrNoFrames
	}

	depthSet, err := s.depth.Finalize()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("capture: finalize depth set: %w", err)
	}
	return chain, depthSet, s.lastTS, nil
}

func (s *Session) metadata(chain *hashchain.ChainData, partial bool, digest [32]byte, frames uint64, verified time.Duration) bundle.Metadata {
	return bundle.Metadata{
		SchemaVersion:   bundle.CurrentSchemaVersion,
		MediaType:       s.cfg.MediaType,
		CapturedAt:      s.started,
		DurationMs:      verified.Milliseconds(),
		FrameCount:      int(frames),
		FinalHash:       hex.EncodeToString(digest[:]),
		IsPartial:       partial,
		CheckpointCount: len(chain.Checkpoints),
		DeviceModel:     s.cfg.DeviceModel,
		OSVersion:       s.cfg.OSVersion,
		AppVersion:      s.cfg.AppVersion,
	}
}

func (s *Session) persist(media []byte, depthSet *depth.KeyframeSet, meta bundle.Metadata, assertion *attest.Assertion) (*Result, error) {
	b, err := bundle.New(media, depthSet, meta, assertion)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Save(b); err != nil {
		return nil, fmt.Errorf("capture: store bundle: %w", err)
	}
	if err := s.queue.Enqueue(b.ID); err != nil {
		// The bundle is safe in the vault; the spool watcher will pick
		// it up if enqueueing keeps failing.
		s.log.Error("enqueue failed, bundle remains stored", "bundle", b.ID, "error", err)
	}

	s.log.Info("capture bundled",
		"bundle", b.ID, "partial", meta.IsPartial,
		"frames", meta.FrameCount, "checkpoints", meta.CheckpointCount)

	return &Result{
		BundleID: b.ID,
		Metadata: meta,
		Attested: assertion != nil,
	}, nil
}
