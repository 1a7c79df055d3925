package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
	"github.com/LucaDeLeo/realitycam-sub011/internal/depth"
)

// Default quota limits. The store never evicts: when the quota is reached
// the caller must upload or explicitly delete bundles to make room.
const (
	DefaultMaxItems = 50
	DefaultMaxBytes = 500 * 1024 * 1024

	// warnFraction is the usage level at which the warning callback fires.
	warnFraction = 0.8
)

// Store errors.
var (
	ErrQuotaExceeded = errors.New("vault: storage quota exceeded")
	ErrNotFound      = errors.New("vault: bundle not found")
	ErrExists        = errors.New("vault: bundle already stored")
)

// On-disk layout: one directory per bundle.
const (
	mediaFile    = "media.enc"
	depthFile    = "depth.enc"
	metadataFile = "metadata.enc"
	sidecarFile  = "sidecar.json"
)

// sidecar is the plaintext index record written next to the encrypted
// components. It carries nonces and sizes only, never key material.
type sidecar struct {
	ID         string                      `json:"id"`
	CreatedAt  time.Time                   `json:"created_at"`
	KeyRef     string                      `json:"key_ref"`
	Components map[string]sidecarComponent `json:"components"`
	TotalBytes int64                       `json:"total_bytes"`
}

type sidecarComponent struct {
	Nonce string `json:"nonce"`
	Size  int64  `json:"size"`
}

// depthRecord is the serialized form of a keyframe set, carrying the
// compressed blob inline since KeyframeSet keeps it out of its own JSON.
type depthRecord struct {
	Keyframes        []depth.Keyframe `json:"keyframes"`
	Resolution       depth.Resolution `json:"resolution"`
	UncompressedSize int              `json:"uncompressed_size"`
	Blob             []byte           `json:"blob"`
}

// metadataRecord bundles everything that is not media or depth.
type metadataRecord struct {
	Metadata  bundle.Metadata  `json:"metadata"`
	Assertion json.RawMessage  `json:"assertion,omitempty"`
	MediaType bundle.MediaType `json:"media_type"`
}

// Usage is a snapshot of store occupancy.
type Usage struct {
	Items int
	Bytes int64
}

// Options tunes the store.
type Options struct {
	MaxItems int
	MaxBytes int64

	// OnQuotaWarning fires once per Save when usage crosses 80% of either
	// limit. May be nil.
	OnQuotaWarning func(Usage)
}

// Store keeps encrypted capture bundles on disk under a hard quota.
// Safe for concurrent use: the capture session saves bundles while the
// queue's drain loop reads and removes them.
type Store struct {
	root   string
	cipher *Cipher
	opts   Options

	mu    sync.Mutex
	items int
	bytes int64
}

// Open creates or reopens a store rooted at dir, recomputing usage from
// the sidecar records so quota accounting survives restarts.
func Open(dir string, cipher *Cipher, opts Options) (*Store, error) {
	if opts.MaxItems == 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create store root: %w", err)
	}

	s := &Store{root: dir, cipher: cipher, opts: opts}
	if err := s.recount(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recount() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("vault: scan store root: %w", err)
	}

	s.items, s.bytes = 0, 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sc, err := s.readSidecar(e.Name())
		if err != nil {
			// A directory without a readable sidecar is a torn write from
			// a crash mid-save; it holds no recoverable bundle.
			continue
		}
		s.items++
		s.bytes += sc.TotalBytes
	}
	return nil
}

// Usage reports current occupancy.
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Items: s.items, Bytes: s.bytes}
}

// Has reports whether a bundle with this ID is stored.
func (s *Store) Has(id string) bool {
	_, err := s.readSidecar(id)
	return err == nil
}

// Save encrypts and persists a bundle. Fails with ErrQuotaExceeded without
// writing anything when either limit would be exceeded; existing bundles
// are never evicted to make room.
func (s *Store) Save(b *bundle.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.root, b.ID)); err == nil {
		return ErrExists
	}
	if s.items+1 > s.opts.MaxItems {
		return fmt.Errorf("%w: %d items stored, limit %d", ErrQuotaExceeded, s.items, s.opts.MaxItems)
	}

	blobs := make(map[string]*EncryptedBlob, 3)

	media, err := s.cipher.Encrypt(ComponentMedia, b.Media)
	if err != nil {
		return err
	}
	blobs[mediaFile] = media

	if b.Depth != nil {
		raw, err := json.Marshal(depthRecord{
			Keyframes:        b.Depth.Keyframes,
			Resolution:       b.Depth.Resolution,
			UncompressedSize: b.Depth.UncompressedSize,
			Blob:             b.Depth.CompressedBlob,
		})
		if err != nil {
			return fmt.Errorf("vault: encode depth record: %w", err)
		}
		enc, err := s.cipher.Encrypt(ComponentDepth, raw)
		if err != nil {
			return err
		}
		blobs[depthFile] = enc
	}

	assertion, err := b.AssertionJSON()
	if err != nil {
		return fmt.Errorf("vault: encode assertion: %w", err)
	}
	raw, err := json.Marshal(metadataRecord{
		Metadata:  b.Metadata,
		Assertion: assertion,
		MediaType: b.Metadata.MediaType,
	})
	if err != nil {
		return fmt.Errorf("vault: encode metadata record: %w", err)
	}
	meta, err := s.cipher.Encrypt(ComponentMetadata, raw)
	if err != nil {
		return err
	}
	blobs[metadataFile] = meta

	sc := sidecar{
		ID:         b.ID,
		CreatedAt:  b.CreatedAt,
		KeyRef:     "installation-encryption-key",
		Components: make(map[string]sidecarComponent, len(blobs)),
	}
	for name, blob := range blobs {
		sc.Components[name] = sidecarComponent{
			Nonce: base64.StdEncoding.EncodeToString(blob.Nonce),
			Size:  int64(len(blob.Ciphertext)),
		}
		sc.TotalBytes += int64(len(blob.Ciphertext))
	}

	if s.bytes+sc.TotalBytes > s.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes stored, bundle needs %d, limit %d",
			ErrQuotaExceeded, s.bytes, sc.TotalBytes, s.opts.MaxBytes)
	}

	// Stage into a temp directory and rename so a crash never leaves a
	// directory that recount would mistake for a complete bundle.
	tmp, err := os.MkdirTemp(s.root, ".tmp-"+b.ID+"-")
	if err != nil {
		return fmt.Errorf("vault: stage bundle: %w", err)
	}
	defer os.RemoveAll(tmp)

	for name, blob := range blobs {
		if err := os.WriteFile(filepath.Join(tmp, name), blob.Ciphertext, 0o600); err != nil {
			return fmt.Errorf("vault: write %s: %w", name, err)
		}
	}
	scRaw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, sidecarFile), scRaw, 0o600); err != nil {
		return fmt.Errorf("vault: write sidecar: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.root, b.ID)); err != nil {
		return fmt.Errorf("vault: commit bundle: %w", err)
	}

	s.items++
	s.bytes += sc.TotalBytes
	s.maybeWarn()
	return nil
}

func (s *Store) maybeWarn() {
	if s.opts.OnQuotaWarning == nil {
		return
	}
	// Caller holds s.mu.
	itemLevel := float64(s.items) / float64(s.opts.MaxItems)
	byteLevel := float64(s.bytes) / float64(s.opts.MaxBytes)
	if itemLevel >= warnFraction || byteLevel >= warnFraction {
		s.opts.OnQuotaWarning(Usage{Items: s.items, Bytes: s.bytes})
	}
}

func (s *Store) readSidecar(id string) (*sidecar, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, id, sidecarFile))
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("vault: decode sidecar for %s: %w", id, err)
	}
	return &sc, nil
}

// Load decrypts a stored bundle.
func (s *Store) Load(id string) (*bundle.Bundle, error) {
	sc, err := s.readSidecar(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	readBlob := func(name, component string) ([]byte, error) {
		comp, ok := sc.Components[name]
		if !ok {
			return nil, nil
		}
		ct, err := os.ReadFile(filepath.Join(s.root, id, name))
		if err != nil {
			return nil, fmt.Errorf("vault: read %s: %w", name, err)
		}
		nonce, err := base64.StdEncoding.DecodeString(comp.Nonce)
		if err != nil {
			return nil, fmt.Errorf("vault: decode nonce for %s: %w", name, err)
		}
		return s.cipher.Decrypt(component, &EncryptedBlob{Ciphertext: ct, Nonce: nonce})
	}

	media, err := readBlob(mediaFile, ComponentMedia)
	if err != nil {
		return nil, err
	}

	var depthSet *depth.KeyframeSet
	if _, ok := sc.Components[depthFile]; ok {
		raw, err := readBlob(depthFile, ComponentDepth)
		if err != nil {
			return nil, err
		}
		var rec depthRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("vault: decode depth record: %w", err)
		}
		depthSet = &depth.KeyframeSet{
			Keyframes:        rec.Keyframes,
			Resolution:       rec.Resolution,
			UncompressedSize: rec.UncompressedSize,
			CompressedBlob:   rec.Blob,
		}
	}

	raw, err := readBlob(metadataFile, ComponentMetadata)
	if err != nil {
		return nil, err
	}
	var rec metadataRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("vault: decode metadata record: %w", err)
	}

	b := &bundle.Bundle{
		ID:        sc.ID,
		CreatedAt: sc.CreatedAt,
		Media:     media,
		Depth:     depthSet,
		Metadata:  rec.Metadata,
	}
	if len(rec.Assertion) > 0 {
		if err := json.Unmarshal(rec.Assertion, &b.Assertion); err != nil {
			return nil, fmt.Errorf("vault: decode assertion: %w", err)
		}
	}
	return b, nil
}

// Remove deletes a stored bundle and releases its quota.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.readSidecar(id)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
		return fmt.Errorf("vault: remove bundle %s: %w", id, err)
	}
	s.items--
	s.bytes -= sc.TotalBytes
	return nil
}

// List returns stored bundle IDs ordered by creation time.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("vault: scan store root: %w", err)
	}

	var scs []*sidecar
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sc, err := s.readSidecar(e.Name())
		if err != nil {
			continue
		}
		scs = append(scs, sc)
	}
	sort.Slice(scs, func(i, j int) bool { return scs[i].CreatedAt.Before(scs[j].CreatedAt) })

	ids := make([]string, len(scs))
	for i, sc := range scs {
		ids[i] = sc.ID
	}
	return ids, nil
}
