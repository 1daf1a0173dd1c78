// Package seal encrypts short secrets (device credentials) for storage in
// replicated state.
//
// Sealed values are self-describing strings ("sealed:v1:<base64>") holding
// the ChaCha20-Poly1305 nonce followed by the ciphertext. A nil *Sealer is
// valid and passes values through unchanged, which is what a member without
// a configured key does.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "sealed:v1:"

// ErrMalformed is returned for sealed values that cannot be decoded.
var ErrMalformed = errors.New("seal: malformed sealed value")

// Sealer seals and opens secrets with a cluster-wide key.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewFromHex creates a Sealer from a hex-encoded key. An empty string
// yields a nil Sealer.
func NewFromHex(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("seal: decode key: %w", err)
	}
	return New(key)
}

// IsSealed reports whether v is in sealed form.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, prefix)
}

// Seal encrypts plaintext bound to context (for example the node id), so a
// sealed value cannot be replayed onto another node. Empty and already
// sealed values are returned unchanged.
func (s *Sealer) Seal(plaintext, context string) (string, error) {
	if s == nil || plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(context))
	return prefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same context. Values
// that are not sealed are returned unchanged.
func (s *Sealer) Open(value, context string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", errors.New("seal: value is sealed but no key is configured")
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(context))
	if err != nil {
		return "", fmt.Errorf("seal: open: %w", err)
	}
	return string(plain), nil
}
