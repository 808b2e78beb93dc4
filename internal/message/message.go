package message

import "fmt"

// Kind tags each gossip variant on the wire. Values are part of the wire
// format; changing them breaks compatibility with running peers.
type Kind byte

const (
	KindContentAnnounce Kind = 1
	KindTokenTransfer   Kind = 2
	KindHello           Kind = 3
	KindPeerSync        Kind = 4
	KindLedgerBlock     Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindContentAnnounce:
		return "content_announce"
	case KindTokenTransfer:
		return "token_transfer"
	case KindHello:
		return "hello"
	case KindPeerSync:
		return "peer_sync"
	case KindLedgerBlock:
		return "ledger_block"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is the closed set of payloads exchanged between peers. The
// unexported method keeps the union closed to this package.
type Message interface {
	Kind() Kind
	encode(w *writer)
}

// ContentAnnounce advertises one swarm reference (magnet URI or torrent path).
type ContentAnnounce struct {
	Ref string
}

// TokenTransfer mirrors a local token send to every connected peer.
type TokenTransfer struct {
	Amount      int32
	SenderID    string
	RecipientID string
}

// Hello is the first frame a peer writes on every connection.
type Hello struct {
	PeerID     string
	PublicKey  []byte
	ListenAddr string
}

// PeerSync shares dialable addresses the sender knows about.
type PeerSync struct {
	Addrs []string
}

// LedgerBlock carries one encoded ledger block.
type LedgerBlock struct {
	Block []byte
}

func (ContentAnnounce) Kind() Kind { return KindContentAnnounce }
func (TokenTransfer) Kind() Kind   { return KindTokenTransfer }
func (Hello) Kind() Kind           { return KindHello }
func (PeerSync) Kind() Kind        { return KindPeerSync }
func (LedgerBlock) Kind() Kind     { return KindLedgerBlock }

// DecodeError reports a malformed or truncated payload. Receivers log it and
// drop the frame.
type DecodeError struct {
	Kind   Kind
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}
