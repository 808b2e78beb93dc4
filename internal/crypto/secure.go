package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/scrypt"
)

// Box seals gossip frames with a key derived from a swarm-wide secret.
type Box struct {
	gcm cipher.AEAD
}

const boxSaltLabel = "swarmfeed/frame-box/v1"

// deriveKey stretches the shared secret into an AES-256 key. The salt is
// bound to the secret so every node on the swarm derives the same key.
func deriveKey(secret string) ([]byte, error) {
	salt := blake2b.Sum256([]byte(boxSaltLabel + secret))
	return scrypt.Key([]byte(secret), salt[:], 1<<15, 8, 1, 32)
}

// NewBox derives an AES-GCM box from a shared secret. An empty secret
// disables encryption and returns a nil box.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, nil
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("derive frame key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{gcm: aead}, nil
}

// Seal returns nonce || ciphertext. A nil box passes plaintext through.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.gcm.NonceSize(), b.gcm.NonceSize()+len(plaintext)+b.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (b *Box) Open(frame []byte) ([]byte, error) {
	if b == nil {
		return frame, nil
	}
	nonce, sealed, ok := splitNonce(frame, b.gcm.NonceSize())
	if !ok || len(sealed) < b.gcm.Overhead() {
		return nil, errors.New("sealed frame too short")
	}
	return b.gcm.Open(nil, nonce, sealed, nil)
}

func splitNonce(frame []byte, size int) (nonce, rest []byte, ok bool) {
	if len(frame) < size {
		return nil, nil, false
	}
	return frame[:size], frame[size:], true
}
