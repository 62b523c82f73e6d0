package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSealedTooShort indicates a sealed blob shorter than its nonce.
var ErrSealedTooShort = errors.New("sealed value too short")

// ErrOpenFailed indicates the sealed blob failed authentication.
var ErrOpenFailed = errors.New("sealed value failed to open")

// Sealer encrypts and decrypts connector credentials with a process-wide
// symmetric key. Tokens stay sealed in storage and in memory; Open is called
// exactly at point of use.
type Sealer struct {
	key [32]byte
}

// NewSealer parses a 64-char hex key into a Sealer.
func NewSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(raw))
	}
	var s Sealer
	copy(s.key[:], raw)
	return &s, nil
}

// Seal encrypts plaintext with a random nonce. Output layout: nonce || box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a sealed blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrSealedTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plain, nil
}
