package security

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Sealer errors.
var (
	// ErrSealedBlob indicates an encrypted blob was read without a key.
	ErrSealedBlob = errors.New("security: session blob is encrypted but no encryption key is configured")

	// ErrOpenFailed indicates a blob could not be decrypted with the
	// configured key.
	ErrOpenFailed = errors.New("security: session blob cannot be decrypted")
)

// sealedMagic prefixes every encrypted blob.
var sealedMagic = []byte("SFS1")

const saltSize = 16

// Sealer protects session blobs at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)

	// Encrypted reports whether Seal actually encrypts.
	Encrypted() bool
}

// KeySealer encrypts with XChaCha20-Poly1305 under a key derived from a
// secret with scrypt. Each blob carries its own random salt and nonce:
//
//	magic(4) | salt(16) | nonce(24) | ciphertext+tag
type KeySealer struct {
	secret []byte

	// scrypt cost parameters
	n, r, p int
}

// NewKeySealer creates a sealer for secret, which must not be empty.
func NewKeySealer(secret string) (*KeySealer, error) {
	if secret == "" {
		return nil, errors.New("security: empty encryption key")
	}
	return &KeySealer{secret: []byte(secret), n: 1 << 15, r: 8, p: 1}, nil
}

func (s *KeySealer) derive(salt []byte) ([]byte, error) {
	key, err := scrypt.Key(s.secret, salt, s.n, s.r, s.p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("security: derive key: %w", err)
	}
	return key, nil
}

// Seal implements Sealer.
func (s *KeySealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("security: read salt: %w", err)
	}
	key, err := s.derive(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: read nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	// The header is authenticated as additional data.
	return aead.Seal(out, nonce, plaintext, slices.Clone(out)), nil
}

// Open implements Sealer.
func (s *KeySealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, fmt.Errorf("%w: missing header", ErrOpenFailed)
	}
	headerLen := len(sealedMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < headerLen+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated", ErrOpenFailed)
	}
	salt := sealed[len(sealedMagic) : len(sealedMagic)+saltSize]
	nonce := sealed[len(sealedMagic)+saltSize : headerLen]

	key, err := s.derive(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed[headerLen:], sealed[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	return plain, nil
}

// Encrypted implements Sealer.
func (s *KeySealer) Encrypted() bool { return true }

// PlainSealer stores blobs unencrypted. It is the fallback when no key is
// configured; the store's 0600 file permissions are the only protection.
type PlainSealer struct{}

// Seal implements Sealer.
func (PlainSealer) Seal(plaintext []byte) ([]byte, error) {
	return slices.Clone(plaintext), nil
}

// Open implements Sealer. Encrypted blobs are rejected with ErrSealedBlob.
func (PlainSealer) Open(sealed []byte) ([]byte, error) {
	if IsSealed(sealed) {
		return nil, ErrSealedBlob
	}
	return slices.Clone(sealed), nil
}

// Encrypted implements Sealer.
func (PlainSealer) Encrypted() bool { return false }

// IsSealed reports whether blob carries the encrypted header.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, sealedMagic)
}

// NewSealer returns a KeySealer for a non-empty secret and a PlainSealer
// otherwise.
func NewSealer(secret string) (Sealer, error) {
	if secret == "" {
		return PlainSealer{}, nil
	}
	return NewKeySealer(secret)
}

var (
	_ Sealer = (*KeySealer)(nil)
	_ Sealer = PlainSealer{}
)
