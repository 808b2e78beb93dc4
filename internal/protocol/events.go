package protocol

import "time"

// Event types published to the sink.
const (
	EventContent = "content"
	EventWallet  = "wallet"
	EventLike    = "like"
	EventPeers   = "peers"
)

// Event is a state change observers may render or stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Sink receives overlay events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// ContentEvent announces a newly indexed reference.
type ContentEvent struct {
	Ref  string `json:"ref"`
	From string `json:"from,omitempty"`
}

// TransferEvent describes a token movement, local or mirrored.
type TransferEvent struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Local     bool   `json:"local"`
}

// LikeEvent describes a like block stored locally.
type LikeEvent struct {
	Liker   string `json:"liker"`
	Video   string `json:"video"`
	Torrent string `json:"torrent"`
	Author  string `json:"author"`
	Hash    string `json:"hash"`
	Agreed  bool   `json:"agreed"`
}

func (r *Runtime) emit(kind string, data any) {
	r.sink.Publish(Event{Type: kind, Time: time.Now().UTC(), Data: data})
}
