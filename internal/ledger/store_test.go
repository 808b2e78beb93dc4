package ledger

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmfeed/internal/crypto"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}

func openStores(t *testing.T) map[string]*Store {
	t.Helper()
	out := make(map[string]*Store)
	for _, kind := range []string{"bolt", "leveldb"} {
		backend, err := Open(kind, filepath.Join(t.TempDir(), "ledger."+kind))
		require.NoError(t, err)
		store, err := NewStore(backend, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		out[kind] = store
	}
	return out
}

func peerOf(key ed25519.PrivateKey) string {
	return crypto.PeerID(key.Public().(ed25519.PublicKey))
}

func likeTx(liker ed25519.PrivateKey, video, author string) map[string]string {
	return map[string]string{TxLiker: peerOf(liker), TxVideo: video, TxTorrent: "magnet:x", TxAuthor: author}
}

func TestAppendProposalChainsPerKey(t *testing.T) {
	for kind, store := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			key := newKey(t)
			first, err := store.AppendProposal(ctx, LikeBlockType, likeTx(key, "v1", "author"), key)
			require.NoError(t, err)
			second, err := store.AppendProposal(ctx, LikeBlockType, likeTx(key, "v2", "author"), key)
			require.NoError(t, err)

			assert.Equal(t, uint64(1), first.Sequence)
			assert.Equal(t, uint64(2), second.Sequence)
			assert.Equal(t, first.Hash, second.PreviousHash)
			require.NoError(t, Validate(second))

			got, err := store.Get(ctx, second.Hash)
			require.NoError(t, err)
			assert.Equal(t, second.Transaction, got.Transaction)

			blocks, err := store.BlocksByType(ctx, LikeBlockType)
			require.NoError(t, err)
			require.Len(t, blocks, 2)
			assert.Equal(t, "v1", blocks[0].Transaction[TxVideo])
			assert.Equal(t, "v2", blocks[1].Transaction[TxVideo])
			assert.Equal(t, uint64(2), store.Count())
		})
	}
}

func TestAgreementLinksProposalOnce(t *testing.T) {
	for kind, store := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			liker, author := newKey(t), newKey(t)
			proposal, err := store.AppendProposal(ctx, LikeBlockType, likeTx(liker, "v", peerOf(author)), liker)
			require.NoError(t, err)

			_, found, err := store.Agreement(ctx, proposal)
			require.NoError(t, err)
			assert.False(t, found)

			agreement, err := store.AppendAgreement(ctx, proposal, nil, author)
			require.NoError(t, err)
			assert.True(t, agreement.Links(proposal))
			assert.Equal(t, proposal.Transaction, agreement.Transaction)

			again, err := store.AppendAgreement(ctx, proposal, nil, author)
			require.NoError(t, err)
			assert.Equal(t, agreement.Hash, again.Hash)

			stored, found, err := store.Agreement(ctx, proposal)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, agreement.Hash, stored.Hash)

			_, err = store.AppendAgreement(ctx, agreement, nil, liker)
			assert.Error(t, err)
		})
	}
}

func TestInsertValidatesAndDeduplicates(t *testing.T) {
	stores := openStores(t)
	ctx := context.Background()
	key := newKey(t)
	src := stores["bolt"]
	dst := stores["leveldb"]

	b, err := src.AppendProposal(ctx, LikeBlockType, likeTx(key, "v", "author"), key)
	require.NoError(t, err)
	raw, err := Encode(b)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	added, err := dst.Insert(ctx, decoded)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = dst.Insert(ctx, decoded)
	require.NoError(t, err)
	assert.False(t, added)

	tampered := decoded
	tampered.Transaction = likeTx(key, "w", "author")
	_, err = dst.Insert(ctx, tampered)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	forged := decoded
	forged.Signature = make([]byte, ed25519.SignatureSize)
	_, err = dst.Insert(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidBlock)
}

func TestCounterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	backend, err := OpenBolt(path)
	require.NoError(t, err)
	store, err := NewStore(backend, nil)
	require.NoError(t, err)
	key := newKey(t)
	_, err = store.AppendProposal(context.Background(), LikeBlockType, likeTx(key, "v", "author"), key)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	backend, err = OpenBolt(path)
	require.NoError(t, err)
	store, err = NewStore(backend, nil)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, uint64(1), store.Count())
	next, err := store.AppendProposal(context.Background(), LikeBlockType, likeTx(key, "w", "author"), key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Sequence)
}

func TestRejectsBadInput(t *testing.T) {
	store := openStores(t)["bolt"]
	_, err := store.AppendProposal(context.Background(), "a/b", nil, newKey(t))
	assert.Error(t, err)
	_, err = Open("mongo", t.TempDir())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.AppendProposal(ctx, LikeBlockType, nil, newKey(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLikeMustBeSignedByItsLiker(t *testing.T) {
	store := openStores(t)["bolt"]
	ctx := context.Background()
	mallory, alice := newKey(t), newKey(t)

	_, err := store.AppendProposal(ctx, LikeBlockType, likeTx(alice, "v", "author"), mallory)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	forged := Block{
		Type:        LikeBlockType,
		Transaction: likeTx(alice, "v", "author"),
		PublicKey:   mallory.Public().(ed25519.PublicKey),
		Sequence:    1,
	}
	require.NoError(t, Sign(&forged, mallory))
	_, err = store.Insert(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidBlock)
	assert.Zero(t, store.Count())
}

func TestAgreementMustBeSignedByAuthor(t *testing.T) {
	store := openStores(t)["bolt"]
	ctx := context.Background()
	liker, author, mallory := newKey(t), newKey(t), newKey(t)
	proposal, err := store.AppendProposal(ctx, LikeBlockType, likeTx(liker, "v", peerOf(author)), liker)
	require.NoError(t, err)

	_, err = store.AppendAgreement(ctx, proposal, nil, mallory)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	fake := Block{
		Type:          LikeBlockType,
		Transaction:   proposal.Transaction,
		PublicKey:     mallory.Public().(ed25519.PublicKey),
		Sequence:      1,
		LinkPublicKey: proposal.PublicKey,
		LinkSequence:  proposal.Sequence,
	}
	require.NoError(t, Sign(&fake, mallory))
	_, err = store.Insert(ctx, fake)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	_, found, err := store.Agreement(ctx, proposal)
	require.NoError(t, err)
	assert.False(t, found)
}
