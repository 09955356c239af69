// Package credential seals provider credentials at rest and resolves them for
// runs. Resolution fails closed: any lookup, ownership, or decryption problem
// is a configuration error and no partial credential is returned.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// Iterations is the PBKDF2-SHA-256 work factor.
	Iterations = 600_000
)

// ErrUnseal is returned when a sealed credential cannot be opened.
var ErrUnseal = eris.New("credential: unseal failed")

// DeriveKey derives the sealing key from a passphrase and salt.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), Iterations, KeySize, sha256.New)
}

// Sealer encrypts and decrypts credential payloads with AES-256-GCM. Sealed
// output is nonce || ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a passphrase and salt.
func NewSealer(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" || salt == "" {
		return nil, eris.New("credential: passphrase and salt are required")
	}
	return NewSealerFromKey(DeriveKey(passphrase, salt))
}

// NewSealerFromKey builds a Sealer from a raw 32-byte key.
func NewSealerFromKey(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, eris.Errorf("credential: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "credential: create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "credential: create gcm")
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, eris.Wrap(err, "credential: generate nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts sealed. A different aad than the one used to seal fails.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+s.aead.Overhead() {
		return nil, eris.Wrap(ErrUnseal, "ciphertext too short")
	}
	plain, err := s.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, eris.Wrap(ErrUnseal, "authentication failed")
	}
	return plain, nil
}
