//go:build linux

// TPM 2.0 signing authority for Linux.
// Uses /dev/tpmrm0 (TPM Resource Manager) or /dev/tpm0 (direct access).

package attest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// NV index for the assertion replay counter.
// User-defined NV space: 0x01500000 - 0x01FFFFFF.
const (
	nvCounterIndex = 0x01500010
	nvCounterSize  = 8 // uint64
)

// TPM errors.
var (
	ErrTPMNotAvailable = errors.New("attest: tpm hardware not available")
	ErrTPMNotOpen      = errors.New("attest: tpm device not open")
)

// TPMAuthority implements Authority using a TPM 2.0 device. The signing key
// is a primary ECDSA-P256 key under the owner hierarchy, so the same
// identity is re-derived from the TPM seed on every boot; its identifier is
// the SHA-256 of the marshaled public area. The replay counter is an NV
// counter, monotonic across resets.
type TPMAuthority struct {
	mu          sync.Mutex
	devicePath  string
	transport   transport.TPMCloser
	keyHandle   tpm2.TPMHandle
	keyPublic   []byte
	keyID       string
	counterInit bool
}

// DetectTPM returns a TPM authority when a device node is present and
// openable, or nil when the host has no usable TPM.
func DetectTPM() *TPMAuthority {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err == nil {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err == nil {
				f.Close()
				return &TPMAuthority{devicePath: path}
			}
		}
	}
	return nil
}

// Available returns true if the TPM device exists and is accessible.
func (t *TPMAuthority) Available() bool {
	if t.devicePath == "" {
		return false
	}
	_, err := os.Stat(t.devicePath)
	return err == nil
}

// Open initializes the TPM connection and loads the signing key.
func (t *TPMAuthority) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

func (t *TPMAuthority) openLocked() error {
	if t.transport != nil {
		return nil
	}

	tr, err := transport.OpenTPM(t.devicePath)
	if err != nil {
		return fmt.Errorf("attest: open %s: %w", t.devicePath, err)
	}
	t.transport = tr

	if err := t.createSigningKey(); err != nil {
		tr.Close()
		t.transport = nil
		return fmt.Errorf("attest: initialize signing key: %w", err)
	}
	return nil
}

// Close flushes the signing key and releases the device.
func (t *TPMAuthority) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.transport == nil {
		return nil
	}
	if t.keyHandle != 0 {
		flushCmd := tpm2.FlushContext{FlushHandle: t.keyHandle}
		flushCmd.Execute(t.transport)
		t.keyHandle = 0
	}
	err := t.transport.Close()
	t.transport = nil
	return err
}

// CreateIdentity derives the device signing identity. The primary key is
// deterministic for this TPM, so repeated calls yield the same identifier.
func (t *TPMAuthority) CreateIdentity() (string, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.openLocked(); err != nil {
		return "", nil, err
	}
	return t.keyID, t.keyPublic, nil
}

// Sign signs the digest with the device key and increments the NV counter.
func (t *TPMAuthority) Sign(keyID string, digest [32]byte) ([]byte, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.openLocked(); err != nil {
		return nil, 0, err
	}
	if keyID != t.keyID {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	counter, err := t.incrementCounter()
	if err != nil {
		return nil, 0, fmt.Errorf("attest: increment counter: %w", err)
	}

	signCmd := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: t.keyHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest: tpm2.TPM2BDigest{Buffer: digest[:]},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgECDSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgECDSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}

	rsp, err := signCmd.Execute(t.transport)
	if err != nil {
		return nil, 0, fmt.Errorf("attest: tpm sign: %w", err)
	}

	sig := tpm2.Marshal(rsp.Signature)
	return sig, counter, nil
}

// createSigningKey creates the primary ECDSA signing key and derives the
// key identifier from its public area.
func (t *TPMAuthority) createSigningKey() error {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgECDSA,
						Details: tpm2.NewTPMUAsymScheme(
							tpm2.TPMAlgECDSA,
							&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
				},
			),
		}),
	}

	rsp, err := createPrimaryCmd.Execute(t.transport)
	if err != nil {
		return fmt.Errorf("create primary: %w", err)
	}
	t.keyHandle = rsp.ObjectHandle

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	t.keyPublic = pubBytes

	sum := sha256.Sum256(pubBytes)
	t.keyID = hex.EncodeToString(sum[:])
	return nil
}

// initializeCounter defines the NV counter if it does not exist yet.
func (t *TPMAuthority) initializeCounter() error {
	readPubCmd := tpm2.NVReadPublic{
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
	}
	if _, err := readPubCmd.Execute(t.transport); err == nil {
		t.counterInit = true
		return nil
	}

	defineCmd := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: nil},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    tpm2.TPMHandle(nvCounterIndex),
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				NT:        tpm2.TPMNTCounter,
				AuthWrite: true,
				AuthRead:  true,
				NoDA:      true,
			},
			DataSize:   nvCounterSize,
		}),
	}
	if _, err := defineCmd.Execute(t.transport); err != nil {
		return fmt.Errorf("NVDefineSpace failed: %w", err)
	}

	t.counterInit = true
	return nil
}

func (t *TPMAuthority) incrementCounter() (uint64, error) {
	if !t.counterInit {
		if err := t.initializeCounter(); err != nil {
			return 0, err
		}
	}

	incrementCmd := tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
	}
	if _, err := incrementCmd.Execute(t.transport); err != nil {
		return 0, fmt.Errorf("NVIncrement failed: %w", err)
	}

	readCmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
		Size:    nvCounterSize,
		Offset:  0,
	}
	rsp, err := readCmd.Execute(t.transport)
	if err != nil {
		return 0, fmt.Errorf("NVRead failed: %w", err)
	}
	if len(rsp.Data.Buffer) < 8 {
		return 0, errors.New("counter data too short")
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

var _ Authority = (*TPMAuthority)(nil)
