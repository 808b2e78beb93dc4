// Package ledger is the append-only signed block store backing likes. Blocks
// are CBOR encoded, hashed with blake2b-256 and signed with ed25519.
package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"swarmfeed/internal/crypto"
)

// LikeBlockType is the block type used for like proposals and agreements.
const LikeBlockType = "like_block"

// Transaction keys of a like block.
const (
	TxLiker   = "liker"
	TxVideo   = "video"
	TxTorrent = "torrent"
	TxAuthor  = "author"
)

// ErrInvalidBlock is returned when a block fails hash or signature checks.
var ErrInvalidBlock = errors.New("invalid block")

// Block is one immutable ledger record. A proposal has LinkSequence 0; an
// agreement points back at the proposal through LinkPublicKey/LinkSequence.
type Block struct {
	Type          string            `cbor:"type"`
	Transaction   map[string]string `cbor:"tx"`
	PublicKey     []byte            `cbor:"pk"`
	Sequence      uint64            `cbor:"seq"`
	PreviousHash  []byte            `cbor:"prev,omitempty"`
	LinkPublicKey []byte            `cbor:"link_pk,omitempty"`
	LinkSequence  uint64            `cbor:"link_seq,omitempty"`
	Timestamp     int64             `cbor:"ts"`
	Hash          []byte            `cbor:"hash,omitempty"`
	Signature     []byte            `cbor:"sig,omitempty"`
}

// IsProposal reports whether b is not an agreement.
func (b Block) IsProposal() bool {
	return b.LinkSequence == 0
}

// HashHex is the hex form of the block hash.
func (b Block) HashHex() string {
	return hex.EncodeToString(b.Hash)
}

// Links reports whether b is an agreement for proposal.
func (b Block) Links(proposal Block) bool {
	return !b.IsProposal() &&
		b.LinkSequence == proposal.Sequence &&
		bytes.Equal(b.LinkPublicKey, proposal.PublicKey)
}

var encMode cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = mode
}

// Encode serialises b for storage and gossip.
func Encode(b Block) ([]byte, error) {
	return encMode.Marshal(b)
}

// Decode parses a block produced by Encode.
func Decode(data []byte) (Block, error) {
	var b Block
	if err := cbor.Unmarshal(data, &b); err != nil {
		return Block{}, fmt.Errorf("decode block: %w", err)
	}
	return b, nil
}

// ComputeHash returns the blake2b-256 hash of b without its hash and signature.
func ComputeHash(b Block) ([]byte, error) {
	b.Hash = nil
	b.Signature = nil
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// Sign fills Hash and Signature using key, whose public half must match PublicKey.
func Sign(b *Block, key ed25519.PrivateKey) error {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, b.PublicKey) {
		return fmt.Errorf("signing key does not match block public key")
	}
	hash, err := ComputeHash(*b)
	if err != nil {
		return err
	}
	b.Hash = hash
	b.Signature = ed25519.Sign(key, hash)
	return nil
}

// Validate checks the structure, hash and signature of b.
func Validate(b Block) error {
	if b.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidBlock)
	}
	if len(b.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", ErrInvalidBlock, len(b.PublicKey))
	}
	if b.Sequence == 0 {
		return fmt.Errorf("%w: zero sequence", ErrInvalidBlock)
	}
	hash, err := ComputeHash(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if !bytes.Equal(hash, b.Hash) {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidBlock)
	}
	if !ed25519.Verify(ed25519.PublicKey(b.PublicKey), b.Hash, b.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidBlock)
	}
	if b.Type == LikeBlockType {
		return validateLike(b)
	}
	return nil
}

// Signer is the peer id of the key that signed b.
func (b Block) Signer() string {
	return crypto.PeerID(b.PublicKey)
}

// validateLike ties a like to its keys: a proposal must be signed by the
// liker it names, an agreement by the author it names.
func validateLike(b Block) error {
	role := TxLiker
	if !b.IsProposal() {
		role = TxAuthor
	}
	if named := b.Transaction[role]; named != b.Signer() {
		return fmt.Errorf("%w: %s %q did not sign this like", ErrInvalidBlock, role, named)
	}
	return nil
}
