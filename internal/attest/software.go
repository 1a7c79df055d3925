package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
)

// SoftwareAuthority is an in-process ECDSA-P256 signer with an in-memory
// monotonic counter. It stands in for the hardware capability on hosts
// without one and in tests; identities do not survive the process.
type SoftwareAuthority struct {
	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	counter uint64
}

// NewSoftwareAuthority creates an empty software authority.
func NewSoftwareAuthority() *SoftwareAuthority {
	return &SoftwareAuthority{keys: make(map[string]*ecdsa.PrivateKey)}
}

// Available always reports true.
func (a *SoftwareAuthority) Available() bool { return true }

// CreateIdentity generates a fresh P-256 keypair. The key identifier is the
// hex SHA-256 of the DER-encoded public key.
func (a *SoftwareAuthority) CreateIdentity() (string, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("attest: generate software key: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("attest: marshal public key: %w", err)
	}

	sum := sha256.Sum256(pub)
	keyID := hex.EncodeToString(sum[:])

	a.mu.Lock()
	a.keys[keyID] = priv
	a.mu.Unlock()

	return keyID, pub, nil
}

// Sign produces an ASN.1 ECDSA signature over the digest and increments the
// replay counter.
func (a *SoftwareAuthority) Sign(keyID string, digest [32]byte) ([]byte, uint64, error) {
	a.mu.Lock()
	priv, ok := a.keys[keyID]
	if !ok {
		a.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	a.counter++
	counter := a.counter
	a.mu.Unlock()

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, 0, fmt.Errorf("attest: software sign: %w", err)
	}
	return sig, counter, nil
}

// PublicKey returns the DER-encoded public key for a known identity.
// Test helper for signature verification.
func (a *SoftwareAuthority) PublicKey(keyID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	priv, ok := a.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return x509.MarshalPKIXPublicKey(&priv.PublicKey)
}

var _ Authority = (*SoftwareAuthority)(nil)
