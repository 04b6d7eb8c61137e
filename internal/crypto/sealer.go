// Package crypto provides authenticated symmetric encryption for data at rest.
//
// Sealed values are AES-256-GCM ciphertexts laid out as
//
//	nonce (12 bytes) || tag (16 bytes) || ciphertext
//
// and then base64url encoded (no padding) so they can be embedded in JSON
// documents and key-value stores.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrInvalidKey is returned when key material is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")

	// ErrDecrypt is returned for any malformed or unauthenticated ciphertext.
	// It deliberately carries no detail about which check failed.
	ErrDecrypt = errors.New("failed to decrypt sealed value")
)

// Sealer encrypts and decrypts byte slices with a single symmetric key.
// It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// GenerateKey returns a random KeySize key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// ParseKey decodes key material supplied out of band. Accepted encodings are
// standard or URL-safe base64 (padded or not) and 64-character hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}

	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, ErrInvalidKey
			}
			return key, nil
		}
	}

	return nil, fmt.Errorf("encryption key is neither base64 nor hex: %w", ErrInvalidKey)
}

// NewSealerFromString parses key material with ParseKey and returns a Sealer.
func NewSealerFromString(s string) (*Sealer, error) {
	key, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the tag to the ciphertext; move it in front.
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any tampering yields ErrDecrypt.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < nonceSize+tagSize {
		return nil, ErrDecrypt
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	buf := make([]byte, 0, len(ct)+tagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)

	plaintext, err := s.aead.Open(nil, nonce, buf, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
