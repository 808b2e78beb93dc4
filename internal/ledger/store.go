package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/logger"
)

const (
	blockPrefix = "blk/"
	typePrefix  = "typ/"
	chainPrefix = "chn/"
	linkPrefix  = "lnk/"
	counterKey  = "meta/counter"
)

// Store appends and indexes blocks on top of a Backend. Writes are
// serialised so per-key sequences and the insertion counter stay dense.
type Store struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	counter uint64
}

// NewStore wraps backend, restoring the insertion counter.
func NewStore(backend Backend, log *zap.Logger) (*Store, error) {
	s := &Store{
		backend: backend,
		log:     logger.OrNop(log).Named("ledger"),
		now:     time.Now,
	}
	raw, err := backend.Get([]byte(counterKey))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read ledger counter: %w", err)
	case len(raw) == 8:
		s.counter = binary.BigEndian.Uint64(raw)
	default:
		return nil, fmt.Errorf("corrupt ledger counter")
	}
	return s, nil
}

func typeKey(typ string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", typePrefix, typ, n))
}

func chainKeyPrefix(pub []byte) string {
	return chainPrefix + hex.EncodeToString(pub) + "/"
}

func linkKeyPrefix(pub []byte, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d/", linkPrefix, hex.EncodeToString(pub), seq)
}

func blockKey(hash []byte) []byte {
	return []byte(blockPrefix + hex.EncodeToString(hash))
}

// AppendProposal creates, signs and stores a new proposal block for key.
func (s *Store) AppendProposal(ctx context.Context, typ string, tx map[string]string, key ed25519.PrivateKey) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.nextLocked(typ, tx, key)
	if err != nil {
		return Block{}, err
	}
	if err := Validate(b); err != nil {
		return Block{}, err
	}
	if err := s.writeLocked(b); err != nil {
		return Block{}, err
	}
	s.log.Debug("proposal appended", zap.String("type", typ), zap.Uint64("seq", b.Sequence))
	return b, nil
}

// AppendAgreement co-signs proposal with key. A nil tx reuses the proposal's
// transaction. If key already agreed to proposal the existing block is returned.
func (s *Store) AppendAgreement(ctx context.Context, proposal Block, tx map[string]string, key ed25519.PrivateKey) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if !proposal.IsProposal() || proposal.Sequence == 0 {
		return Block{}, fmt.Errorf("agreement target is not a proposal")
	}
	pub, _ := key.Public().(ed25519.PublicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok, err := s.agreementLocked(proposal, pub); err != nil || ok {
		return existing, err
	}
	if tx == nil {
		tx = make(map[string]string, len(proposal.Transaction))
		for k, v := range proposal.Transaction {
			tx[k] = v
		}
	}
	b, err := s.nextLocked(proposal.Type, tx, key, func(b *Block) {
		b.LinkPublicKey = append([]byte(nil), proposal.PublicKey...)
		b.LinkSequence = proposal.Sequence
	})
	if err != nil {
		return Block{}, err
	}
	if err := Validate(b); err != nil {
		return Block{}, err
	}
	if err := s.writeLocked(b); err != nil {
		return Block{}, err
	}
	s.log.Debug("agreement appended", zap.String("type", b.Type), zap.String("proposal", proposal.HashHex()))
	return b, nil
}

// Insert validates and stores a block received from a peer. It reports
// false when the block was already present.
func (s *Store) Insert(ctx context.Context, b Block) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := Validate(b); err != nil {
		return false, err
	}
	if strings.Contains(b.Type, "/") {
		return false, fmt.Errorf("%w: type contains '/'", ErrInvalidBlock)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.backend.Get(blockKey(b.Hash)); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.writeLocked(b); err != nil {
		return false, err
	}
	return true, nil
}

// Get loads a block by hash.
func (s *Store) Get(ctx context.Context, hash []byte) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	raw, err := s.backend.Get(blockKey(hash))
	if err != nil {
		return Block{}, err
	}
	return Decode(raw)
}

// BlocksByType returns blocks of typ in insertion order.
func (s *Store) BlocksByType(ctx context.Context, typ string) ([]Block, error) {
	var hashes []string
	err := s.backend.Scan([]byte(typePrefix+typ+"/"), func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes = append(hashes, string(value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(hashes))
	for _, h := range hashes {
		raw, err := s.backend.Get([]byte(blockPrefix + h))
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", h, err)
		}
		b, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Agreement returns the first agreement stored for proposal.
func (s *Store) Agreement(ctx context.Context, proposal Block) (Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreementLocked(proposal, nil)
}

// Count is the number of blocks stored.
func (s *Store) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// agreementLocked finds an agreement for proposal, restricted to signer when set.
func (s *Store) agreementLocked(proposal Block, signer []byte) (Block, bool, error) {
	prefix := linkKeyPrefix(proposal.PublicKey, proposal.Sequence)
	if signer != nil {
		prefix += hex.EncodeToString(signer)
	}
	var hash string
	err := s.backend.Scan([]byte(prefix), func(_, value []byte) error {
		hash = string(value)
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return Block{}, false, err
	}
	if hash == "" {
		return Block{}, false, nil
	}
	raw, err := s.backend.Get([]byte(blockPrefix + hash))
	if err != nil {
		return Block{}, false, err
	}
	b, err := Decode(raw)
	return b, err == nil, err
}

var errStopScan = errors.New("stop scan")

// nextLocked builds and signs the next block in key's chain.
func (s *Store) nextLocked(typ string, tx map[string]string, key ed25519.PrivateKey, opts ...func(*Block)) (Block, error) {
	if typ == "" || strings.Contains(typ, "/") {
		return Block{}, fmt.Errorf("invalid block type %q", typ)
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return Block{}, fmt.Errorf("invalid signing key")
	}
	var (
		lastSeq  uint64
		lastHash []byte
	)
	err := s.backend.Scan([]byte(chainKeyPrefix(pub)), func(k, v []byte) error {
		var seq uint64
		if _, err := fmt.Sscanf(string(k[len(chainKeyPrefix(pub)):]), "%d", &seq); err != nil {
			return err
		}
		lastSeq = seq
		lastHash, _ = hex.DecodeString(string(v))
		return nil
	})
	if err != nil {
		return Block{}, err
	}
	b := Block{
		Type:         typ,
		Transaction:  tx,
		PublicKey:    append([]byte(nil), pub...),
		Sequence:     lastSeq + 1,
		PreviousHash: lastHash,
		Timestamp:    s.now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	if err := Sign(&b, key); err != nil {
		return Block{}, err
	}
	return b, nil
}

func (s *Store) writeLocked(b Block) error {
	raw, err := Encode(b)
	if err != nil {
		return err
	}
	hashHex := b.HashHex()
	next := s.counter + 1
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, next)
	batch := []KV{
		{Key: blockKey(b.Hash), Value: raw},
		{Key: typeKey(b.Type, next), Value: []byte(hashHex)},
		{Key: []byte(fmt.Sprintf("%s%020d", chainKeyPrefix(b.PublicKey), b.Sequence)), Value: []byte(hashHex)},
		{Key: []byte(counterKey), Value: counter},
	}
	if !b.IsProposal() {
		batch = append(batch, KV{
			Key:   []byte(linkKeyPrefix(b.LinkPublicKey, b.LinkSequence) + hex.EncodeToString(b.PublicKey)),
			Value: []byte(hashHex),
		})
	}
	if err := s.backend.Write(batch); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	s.counter = next
	return nil
}
