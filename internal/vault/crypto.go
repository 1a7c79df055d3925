// Package vault encrypts capture bundles at rest and stores them under a
// quota. One AES-256-GCM master key per installation lives only in the
// hardware-backed keystore; per-component subkeys are derived with HKDF so
// media, depth and metadata blobs are independently recoverable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/LucaDeLeo/realitycam-sub011/internal/keystore"
)

// Key and nonce sizes.
const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
)

// Component labels for HKDF domain separation.
const (
	ComponentMedia    = "media"
	ComponentDepth    = "depth"
	ComponentMetadata = "metadata"
)

// Errors
var (
	ErrKeyNotFound          = errors.New("vault: no encryption key for this installation")
	ErrAuthenticationFailed = errors.New("vault: authentication failed (tampered blob or wrong key)")
	ErrInvalidBlob          = errors.New("vault: malformed encrypted blob")
)

// EncryptedBlob is one encrypted bundle component at rest. Ciphertext
// carries the GCM tag; the key itself is never embedded.
type EncryptedBlob struct {
	Ciphertext []byte
	Nonce      []byte
}

// Cipher performs authenticated encryption with the installation key.
type Cipher struct {
	keystore keystore.Keystore

	mu     sync.Mutex
	master []byte
}

// NewCipher creates a cipher backed by the given keystore. The master key
// is generated lazily on the first Encrypt.
func NewCipher(ks keystore.Keystore) *Cipher {
	return &Cipher{keystore: ks}
}

// masterKey loads the installation key, generating and persisting it on
// first use when create is set.
func (c *Cipher) masterKey(create bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.master != nil {
		return c.master, nil
	}

	key, err := c.keystore.Load(keystore.EntryEncryptionKey)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("vault: stored key has %d bytes, want %d", len(key), keySize)
		}
		c.master = key
		return key, nil
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("vault: load encryption key: %w", err)
	}
	if !create {
		return nil, ErrKeyNotFound
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate encryption key: %w", err)
	}
	if err := c.keystore.Save(keystore.EntryEncryptionKey, key); err != nil {
		return nil, fmt.Errorf("vault: persist encryption key: %w", err)
	}
	c.master = key
	return key, nil
}

// deriveKey derives the per-component subkey with HKDF-SHA256.
func deriveKey(master []byte, component string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("realitycam:"+component))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive %s key: %w", component, err)
	}
	return key, nil
}

func newGCM(master []byte, component string) (cipher.AEAD, error) {
	key, err := deriveKey(master, component)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a component plaintext with a fresh random nonce. Identical
// plaintexts never yield identical ciphertexts.
func (c *Cipher) Encrypt(component string, plaintext []byte) (*EncryptedBlob, error) {
	master, err := c.masterKey(true)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(master, component)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}

	return &EncryptedBlob{
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(component)),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a component blob. Fails with ErrAuthenticationFailed on any
// tag mismatch and ErrKeyNotFound when no installation key exists.
func (c *Cipher) Decrypt(component string, blob *EncryptedBlob) ([]byte, error) {
	if blob == nil || len(blob.Nonce) != nonceSize {
		return nil, ErrInvalidBlob
	}

	master, err := c.masterKey(false)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(master, component)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(component))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
