// Package attest produces hardware-backed assertions binding a capture's
// hash chain to this device's signing identity.
//
// The platform signing primitive sits behind the narrow Authority interface
// (CreateIdentity, Sign) so the chain/checkpoint protocol is testable
// against a software signer; the TPM-backed implementation is the one
// genuinely platform-specific dependency.
package attest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/hashchain"
	"github.com/LucaDeLeo/realitycam-sub011/internal/keystore"
)

// Errors
var (
	ErrNoCheckpoints  = errors.New("attest: no checkpoints available for partial assertion")
	ErrNotProvisioned = errors.New("attest: device identity not provisioned")
	ErrUnknownKey     = errors.New("attest: unknown key identifier")
	ErrSignFailed     = errors.New("attest: signing failed")
)

// Authority is the hardware attestation capability. Implementations hold
// key material in hardware (or emulate it in software for tests) and expose
// only an opaque key identifier. Sign returns a monotonically increasing
// counter alongside the signature; strictly-increasing-counter replay
// detection is the verifier's job.
type Authority interface {
	// Available reports whether the capability is operational on this host.
	Available() bool

	// CreateIdentity creates a new signing identity and returns its opaque
	// identifier plus the public key for verifier registration.
	CreateIdentity() (keyID string, publicKey []byte, err error)

	// Sign signs a fixed-size digest with the identified key. Raw payloads
	// are never handed across this boundary.
	Sign(keyID string, digest [32]byte) (signature []byte, counter uint64, err error)
}

// Assertion is a hardware-produced signature over a digest, bound 1:1 to
// the hash it covers and carrying the authority's replay counter.
type Assertion struct {
	KeyID     string    `json:"key_id"`
	Digest    [32]byte  `json:"digest"`
	Signature []byte    `json:"signature"`
	Counter   uint64    `json:"counter"`
	SignedAt  time.Time `json:"signed_at"`

	// Partial-recording fields. For an interrupted session the assertion
	// covers the most recent checkpoint, and the verified extent reports
	// that checkpoint's position, never the intended full duration.
	IsPartial        bool          `json:"is_partial"`
	CheckpointIndex  int           `json:"checkpoint_index,omitempty"`
	VerifiedFrames   uint64        `json:"verified_frames"`
	VerifiedDuration time.Duration `json:"verified_duration"`
}

// Service generates assertions for completed or interrupted captures.
// The key identifier is cached after the first successful lookup and
// invalidated on re-registration.
type Service struct {
	authority Authority
	keystore  keystore.Keystore

	mu    sync.Mutex
	keyID string
}

// NewService creates an attestation service.
func NewService(authority Authority, ks keystore.Keystore) *Service {
	return &Service{authority: authority, keystore: ks}
}

// ProvisionIdentity loads the device signing identity, creating one on
// first use. Only the opaque identifier is persisted.
func (s *Service) ProvisionIdentity(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisionLocked(ctx)
}

func (s *Service) provisionLocked(ctx context.Context) (string, error) {
	if s.keyID != "" {
		return s.keyID, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if data, err := s.keystore.Load(keystore.EntryAttestationKeyID); err == nil {
		s.keyID = string(data)
		return s.keyID, nil
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return "", fmt.Errorf("attest: load key identifier: %w", err)
	}

	keyID, _, err := s.authority.CreateIdentity()
	if err != nil {
		return "", fmt.Errorf("attest: create identity: %w", err)
	}
	if err := s.keystore.Save(keystore.EntryAttestationKeyID, []byte(keyID)); err != nil {
		return "", fmt.Errorf("attest: persist key identifier: %w", err)
	}
	s.keyID = keyID
	return keyID, nil
}

// Reprovision discards the current identity and creates a fresh one.
// The cached key identifier is invalidated.
func (s *Service) Reprovision(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keystore.Delete(keystore.EntryAttestationKeyID); err != nil {
		return "", fmt.Errorf("attest: clear key identifier: %w", err)
	}
	s.keyID = ""
	return s.provisionLocked(ctx)
}

// GenerateAssertion signs a fixed-size digest with the provisioned identity.
// This sits on the capture-completion critical path: the only work besides
// the hardware sign call is the cached key lookup.
func (s *Service) GenerateAssertion(ctx context.Context, digest [32]byte) (*Assertion, error) {
	s.mu.Lock()
	keyID, err := s.provisionLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sig, counter, err := s.authority.Sign(keyID, digest)
	if errors.Is(err, ErrUnknownKey) {
		// The persisted identifier outlived its key (the authority was
		// reset or the hardware key was invalidated). Provision a fresh
		// identity and retry once.
		if keyID, err = s.Reprovision(ctx); err != nil {
			return nil, err
		}
		sig, counter, err = s.authority.Sign(keyID, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}

	return &Assertion{
		KeyID:     keyID,
		Digest:    digest,
		Signature: sig,
		Counter:   counter,
		SignedAt:  time.Now().UTC(),
	}, nil
}

// AssertFinal signs the final hash of a completed recording.
func (s *Service) AssertFinal(ctx context.Context, chain *hashchain.ChainData) (*Assertion, error) {
	if chain == nil || chain.FrameCount() == 0 {
		return nil, hashchain.ErrEmptyChain
	}

	a, err := s.GenerateAssertion(ctx, chain.FinalHash)
	if err != nil {
		return nil, err
	}
	a.VerifiedFrames = uint64(chain.FrameCount())
	if cp := chain.LatestCheckpoint(); cp != nil && cp.FrameNumber == uint64(chain.FrameCount()) {
		a.VerifiedDuration = cp.Timestamp
	}
	return a, nil
}

// AssertCheckpoint signs the most recent checkpoint of an interrupted
// recording. The assertion's verified extent is the checkpoint's frame
// number and timestamp. Fails with ErrNoCheckpoints when the interruption
// happened before the first checkpoint boundary; that failure is hard and
// non-retryable.
func (s *Service) AssertCheckpoint(ctx context.Context, chain *hashchain.ChainData) (*Assertion, error) {
	if chain == nil {
		return nil, hashchain.ErrEmptyChain
	}
	cp := chain.LatestCheckpoint()
	if cp == nil {
		return nil, ErrNoCheckpoints
	}

	a, err := s.GenerateAssertion(ctx, cp.Hash)
	if err != nil {
		return nil, err
	}
	a.IsPartial = true
	a.CheckpointIndex = cp.Index
	a.VerifiedFrames = cp.FrameNumber
	a.VerifiedDuration = cp.Timestamp
	return a, nil
}

// DigestPayload hashes an arbitrary payload (photo plus depth, for example)
// down to the fixed-size digest handed to the signing capability.
func DigestPayload(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}
