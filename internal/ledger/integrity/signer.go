package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"ledger/internal/ledger/models"
)

// MinSecretLength is the shortest accepted master secret, in bytes.
const MinSecretLength = 32

// Signer computes entry signatures. The HMAC key for each key version is
// derived from one master secret with HKDF-SHA256, so entries written under
// an earlier version stay verifiable while the secret is unchanged.
type Signer struct {
	secret  []byte
	version int

	mu   sync.Mutex
	keys map[int][]byte
}

// NewSigner creates a signer that signs with the given key version.
func NewSigner(secret []byte, version int) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if version < 1 {
		return nil, errors.New("key version must be positive")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s, version: version, keys: make(map[int][]byte)}, nil
}

// Version returns the key version new signatures use.
func (s *Signer) Version() int {
	return s.version
}

func (s *Signer) key(version int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[version]; ok {
		return k, nil
	}
	info := []byte(fmt.Sprintf("audit-ledger-signature/v%d", version))
	k := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, nil, info), k); err != nil {
		return nil, fmt.Errorf("derive signing key v%d: %w", version, err)
	}
	s.keys[version] = k
	return k, nil
}

// Sign stamps e with the current key version and returns its signature.
// The entry's Signature field is not modified.
func (s *Signer) Sign(e *models.Entry) (string, error) {
	e.KeyVersion = s.version
	return s.compute(e)
}

// Verify recomputes e's signature under the key version it records.
func (s *Signer) Verify(e *models.Entry) (bool, error) {
	if e.KeyVersion < 1 {
		return false, nil
	}
	expected, err := s.compute(e)
	if err != nil {
		return false, err
	}
	return Equal(expected, e.Signature), nil
}

func (s *Signer) compute(e *models.Entry) (string, error) {
	key, err := s.key(e.KeyVersion)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(CanonicalContent(e))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
