package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// peerIDBytes is the length of the hash prefix used as the peer id.
const peerIDBytes = 20

// Identity is the node's long-lived signing key pair.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      string
}

// PeerID derives the stable peer identifier from a public key.
func PeerID(pub []byte) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:peerIDBytes])
}

// NewIdentity generates a fresh key pair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Public: pub, ID: PeerID(pub)}, nil
}

// LoadOrCreateIdentity reads the seed stored at path, generating and
// persisting a new one when the file does not exist yet.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, id.Private.Seed(), 0o600); err != nil {
			return nil, fmt.Errorf("write identity key: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity key %s: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Private: priv, Public: pub, ID: PeerID(pub)}, nil
}

// VerifyPeerID reports whether id was derived from pub.
func VerifyPeerID(id string, pub []byte) bool {
	return len(pub) == ed25519.PublicKeySize && PeerID(pub) == id
}
