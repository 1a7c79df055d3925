// Package keystore defines the secure keystore boundary used for the
// attestation identity reference and the bundle-encryption key.
//
// On real devices the keystore is hardware-backed and supplied by the
// platform; FileKeystore is the development and test implementation,
// following the same software-fallback pattern as the signing authority.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no value exists for the requested key.
var ErrNotFound = errors.New("keystore: key not found")

// Well-known keystore entries.
const (
	// EntryAttestationKeyID holds the opaque identifier of the
	// hardware-backed signing identity.
	EntryAttestationKeyID = "attestation-key-id"

	// EntryEncryptionKey holds the per-installation bundle-encryption
	// master key.
	EntryEncryptionKey = "bundle-encryption-key"
)

// Keystore is the narrow external contract: opaque bytes by name.
// Implementations must never expose stored key material through any other
// channel.
type Keystore interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
	Delete(key string) error
}

// FileKeystore stores entries as 0600 files under a 0700 directory.
// Entry names are hashed so arbitrary names cannot escape the directory.
type FileKeystore struct {
	dir string
}

// NewFileKeystore creates the backing directory if needed.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}
	return &FileKeystore{dir: dir}, nil
}

func (s *FileKeystore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".key")
}

// Save writes the entry, replacing any previous value.
func (s *FileKeystore) Save(key string, data []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keystore: write entry: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keystore: commit entry: %w", err)
	}
	return nil
}

// Load reads the entry, returning ErrNotFound if it does not exist.
func (s *FileKeystore) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keystore: read entry: %w", err)
	}
	return data, nil
}

// Delete removes the entry. Deleting a missing entry is not an error.
func (s *FileKeystore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: delete entry: %w", err)
	}
	return nil
}

var _ Keystore = (*FileKeystore)(nil)
