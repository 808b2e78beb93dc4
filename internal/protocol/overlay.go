package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"swarmfeed/internal/ledger"
	"swarmfeed/internal/message"
	"swarmfeed/internal/wallet"
)

// welcomeGrant is the token amount sent to a peer the first time we gossip
// with it.
const welcomeGrant = 1

// ErrUnknownPeer is returned when a peer id has no directory entry.
var ErrUnknownPeer = errors.New("unknown peer")

// OnPeerDiscovered announces one random known reference to peer. A peer
// never gossiped with before first receives the welcome grant and is then
// marked visited. With no known content this is a no-op.
func (r *Runtime) OnPeerDiscovered(peer PeerInfo) {
	refs := r.cache.KnownReferences()
	if len(refs) == 0 {
		r.log.Debug("no content to announce", zap.String("peer", peer.ID))
		return
	}
	ref := refs[r.pick(len(refs))]

	r.visitedMu.Lock()
	if _, seen := r.visited[peer.ID]; !seen {
		r.SendTokens(welcomeGrant, peer.ID)
		r.visited[peer.ID] = struct{}{}
	}
	r.visitedMu.Unlock()

	if err := r.transport.Send(peer.Addr, message.ContentAnnounce{Ref: ref}); err != nil {
		r.log.Debug("announce failed", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	r.metrics.IncAnnounceSent()
	r.log.Debug("content announced", zap.String("peer", peer.ID), zap.String("ref", ref))
}

// GossipWith runs OnPeerDiscovered for a peer already in the directory.
func (r *Runtime) GossipWith(peerID string) error {
	peer, ok := r.directory.ByID(peerID)
	if !ok || !peer.Online {
		return fmt.Errorf("gossip with %s: %w", peerID, ErrUnknownPeer)
	}
	r.OnPeerDiscovered(peer)
	return nil
}

// ReceiveContentAnnounce hands ref to the cache without blocking dispatch.
func (r *Runtime) ReceiveContentAnnounce(from, ref string) {
	r.metrics.IncAnnounceSeen()
	go func() {
		if err := r.cache.AddKnownContent(r.ctx, ref); err != nil {
			r.log.Warn("index announced content failed", zap.String("from", from), zap.String("ref", ref), zap.Error(err))
			return
		}
		r.emit(EventContent, ContentEvent{Ref: ref, From: from})
	}()
}

// SendTokens moves amount from this node to recipientID and broadcasts the
// transfer to every connection. Insufficient funds are logged and reported
// as false; nothing is sent.
func (r *Runtime) SendTokens(amount int64, recipientID string) bool {
	if amount <= 0 || amount > math.MaxInt32 || recipientID == "" {
		r.log.Warn("invalid token transfer", zap.Int64("amount", amount), zap.String("recipient", recipientID))
		r.metrics.IncTransferRejected()
		return false
	}
	self := r.identity.ID
	if _, err := r.wallet.TryDebit(self, amount); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			r.log.Info("insufficient funds", zap.Int64("amount", amount), zap.String("recipient", recipientID))
		} else {
			r.log.Warn("debit failed", zap.Error(err))
		}
		r.metrics.IncTransferRejected()
		return false
	}
	r.wallet.Credit(recipientID, amount)
	r.transport.Broadcast(message.TokenTransfer{
		Amount:      int32(amount),
		SenderID:    self,
		RecipientID: recipientID,
	}, "")
	r.metrics.IncTransferSent()
	r.emit(EventWallet, TransferEvent{Sender: self, Recipient: recipientID, Amount: amount, Local: true})
	r.log.Info("tokens sent", zap.Int64("amount", amount), zap.String("recipient", recipientID))
	return true
}

// ReceiveTokenTransfer mirrors a remote transfer. The sender's balance is
// not checked and nothing proves the transfer happened; the wallet table is
// advisory gossip state.
func (r *Runtime) ReceiveTokenTransfer(senderID, recipientID string, amount int32) {
	if amount <= 0 || senderID == "" || recipientID == "" {
		r.log.Debug("dropping malformed transfer", zap.String("sender", senderID), zap.Int32("amount", amount))
		return
	}
	r.wallet.Debit(senderID, int64(amount))
	r.wallet.Credit(recipientID, int64(amount))
	r.metrics.IncTransferSeen()
	r.emit(EventWallet, TransferEvent{Sender: senderID, Recipient: recipientID, Amount: int64(amount)})
}

// BroadcastLike appends a signed like proposal for (video, torrent) by
// creator and gossips it.
func (r *Runtime) BroadcastLike(ctx context.Context, video, torrent, creator string) (ledger.Block, error) {
	tx := map[string]string{
		ledger.TxLiker:   r.identity.ID,
		ledger.TxVideo:   video,
		ledger.TxTorrent: torrent,
		ledger.TxAuthor:  creator,
	}
	block, err := r.ledger.AppendProposal(ctx, ledger.LikeBlockType, tx, r.identity.Private)
	if err != nil {
		return ledger.Block{}, fmt.Errorf("append like: %w", err)
	}
	if err := r.broadcastBlock(block, ""); err != nil {
		return block, err
	}
	r.metrics.IncLike()
	r.emit(EventLike, likeEvent(block, false))
	return block, nil
}

func (r *Runtime) broadcastBlock(b ledger.Block, except string) error {
	raw, err := ledger.Encode(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	r.transport.Broadcast(message.LedgerBlock{Block: raw}, except)
	return nil
}

// ReceiveBlock stores a gossiped block and floods it onward when new. Like
// proposals naming this node as author are co-signed automatically.
func (r *Runtime) ReceiveBlock(ctx context.Context, from string, raw []byte) {
	block, err := ledger.Decode(raw)
	if err != nil {
		r.metrics.IncBlockRejected()
		r.log.Warn("undecodable block", zap.String("from", from), zap.Error(err))
		return
	}
	added, err := r.ledger.Insert(ctx, block)
	if err != nil {
		r.metrics.IncBlockRejected()
		r.log.Warn("block rejected", zap.String("from", from), zap.Error(err))
		return
	}
	if !added {
		return
	}
	r.metrics.IncBlockSeen()
	if err := r.broadcastBlock(block, from); err != nil {
		r.log.Warn("forward block failed", zap.Error(err))
	}
	if block.Type != ledger.LikeBlockType {
		return
	}
	r.emit(EventLike, likeEvent(block, !block.IsProposal()))
	if !block.IsProposal() || block.Transaction[ledger.TxAuthor] != r.identity.ID {
		return
	}
	agreement, err := r.ledger.AppendAgreement(ctx, block, nil, r.identity.Private)
	if err != nil {
		r.log.Warn("co-sign like failed", zap.String("block", block.HashHex()), zap.Error(err))
		return
	}
	if err := r.broadcastBlock(agreement, ""); err != nil {
		r.log.Warn("broadcast agreement failed", zap.Error(err))
		return
	}
	r.log.Info("like received", zap.String("liker", block.Transaction[ledger.TxLiker]), zap.String("video", block.Transaction[ledger.TxVideo]))
	r.emit(EventLike, likeEvent(agreement, true))
}

func likeEvent(b ledger.Block, agreed bool) LikeEvent {
	return LikeEvent{
		Liker:   b.Transaction[ledger.TxLiker],
		Video:   b.Transaction[ledger.TxVideo],
		Torrent: b.Transaction[ledger.TxTorrent],
		Author:  b.Transaction[ledger.TxAuthor],
		Hash:    b.HashHex(),
		Agreed:  agreed,
	}
}

// SendHello introduces this node on the connection addr.
func (r *Runtime) SendHello(addr string) {
	hello := message.Hello{
		PeerID:     r.identity.ID,
		PublicKey:  r.identity.Public,
		ListenAddr: r.selfAddr,
	}
	if err := r.transport.Send(addr, hello); err != nil {
		r.log.Debug("hello failed", zap.String("addr", addr), zap.Error(err))
	}
}
