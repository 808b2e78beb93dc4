package protocol

import (
	"go.uber.org/zap"

	"swarmfeed/internal/crypto"
	"swarmfeed/internal/message"
	"swarmfeed/internal/network"
)

// HandleIncoming dispatches inbound messages until the runtime context ends.
func (r *Runtime) HandleIncoming() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case in, ok := <-r.incoming:
			if !ok {
				return
			}
			r.processIncoming(in)
		}
	}
}

// OnConnect introduces this node on a new connection.
func (r *Runtime) OnConnect(addr string) {
	r.SendHello(addr)
}

// OnDisconnect marks the peer behind addr offline.
func (r *Runtime) OnDisconnect(addr string) {
	r.directory.Disconnected(addr)
	r.emit(EventPeers, r.directory.Snapshot())
}

func (r *Runtime) processIncoming(in network.Inbound) {
	peer, known := r.directory.ByAddr(in.Addr)
	if r.blocklist.Blocks(peer.ID, in.Addr) {
		r.log.Debug("dropping message from blocked peer", zap.String("addr", in.Addr))
		return
	}
	if known {
		r.directory.Touch(in.Addr)
	}

	switch msg := in.Msg.(type) {
	case message.Hello:
		r.handleHello(in.Addr, msg)
	case message.ContentAnnounce:
		r.ReceiveContentAnnounce(peer.ID, msg.Ref)
	case message.TokenTransfer:
		r.ReceiveTokenTransfer(msg.SenderID, msg.RecipientID, msg.Amount)
	case message.PeerSync:
		if r.dialer == nil {
			return
		}
		for _, addr := range msg.Addrs {
			r.dialer.Add(addr)
		}
	case message.LedgerBlock:
		r.ReceiveBlock(r.ctx, in.Addr, msg.Block)
	default:
		r.log.Warn("unhandled message kind", zap.Stringer("kind", in.Msg.Kind()))
	}
}

func (r *Runtime) handleHello(addr string, hello message.Hello) {
	if hello.PeerID == r.identity.ID {
		r.log.Debug("ignoring hello from self", zap.String("addr", addr))
		if r.dialer != nil {
			r.dialer.Remove(addr)
		}
		return
	}
	if !crypto.VerifyPeerID(hello.PeerID, hello.PublicKey) {
		r.log.Warn("hello rejected: id does not match key", zap.String("addr", addr), zap.String("peer", hello.PeerID))
		return
	}
	if r.blocklist.Blocks(hello.PeerID, hello.ListenAddr) {
		return
	}
	prev, known := r.directory.ByID(hello.PeerID)
	relinked := known && prev.Online && prev.Addr != addr
	// The node with the lower id keeps its outbound connection, so both
	// ends of a doubly connected pair close the same one.
	if closed := r.transport.Bind(addr, hello.PeerID, hello.ListenAddr, r.identity.ID < hello.PeerID); closed == addr {
		r.log.Debug("duplicate connection closed", zap.String("peer", hello.PeerID), zap.String("addr", addr))
		return
	}
	fresh := r.directory.Record(hello.PeerID, hello.PublicKey, addr, hello.ListenAddr)
	if hello.ListenAddr != "" && r.dialer != nil && hello.ListenAddr != addr {
		r.dialer.Add(hello.ListenAddr)
	}
	if !fresh || relinked {
		return
	}
	r.log.Info("peer discovered", zap.String("peer", hello.PeerID), zap.String("addr", addr))
	r.emit(EventPeers, r.directory.Snapshot())
	peer, _ := r.directory.ByID(hello.PeerID)
	r.OnPeerDiscovered(peer)
}
