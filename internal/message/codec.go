package message

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// MaxPeerSyncAddrs is the most addresses one PeerSync can carry.
const MaxPeerSyncAddrs = math.MaxUint16

// Encode serialises msg as a kind byte followed by the variant payload.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, &DecodeError{Reason: "nil message"}
	}
	w := &writer{buf: []byte{byte(msg.Kind())}}
	msg.encode(w)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Decode parses a body produced by Encode. Every failure is a *DecodeError.
func Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	kind := Kind(body[0])
	r := &reader{kind: kind, buf: body[1:]}
	var msg Message
	switch kind {
	case KindContentAnnounce:
		ref := r.rest()
		if !utf8.Valid(ref) {
			return nil, &DecodeError{Kind: kind, Reason: "ref is not valid utf-8"}
		}
		if len(ref) == 0 {
			return nil, &DecodeError{Kind: kind, Reason: "empty ref"}
		}
		msg = ContentAnnounce{Ref: string(ref)}
	case KindTokenTransfer:
		amount := int32(r.uint32())
		sender := r.str16()
		recipient := r.str16()
		msg = TokenTransfer{Amount: amount, SenderID: sender, RecipientID: recipient}
	case KindHello:
		id := r.str16()
		key := r.bytes16()
		listen := r.str16()
		msg = Hello{PeerID: id, PublicKey: key, ListenAddr: listen}
	case KindPeerSync:
		count := int(r.uint16())
		addrs := make([]string, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			addrs = append(addrs, r.str16())
		}
		msg = PeerSync{Addrs: addrs}
	case KindLedgerBlock:
		raw := r.rest()
		if len(raw) == 0 {
			return nil, &DecodeError{Kind: kind, Reason: "empty block"}
		}
		msg = LedgerBlock{Block: append([]byte(nil), raw...)}
	default:
		return nil, &DecodeError{Kind: kind, Reason: "unknown kind"}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, &DecodeError{Kind: kind, Reason: "trailing bytes"}
	}
	return msg, nil
}

func (m ContentAnnounce) encode(w *writer) { w.raw([]byte(m.Ref)) }

func (m TokenTransfer) encode(w *writer) {
	w.uint32(uint32(m.Amount))
	w.str16(m.SenderID)
	w.str16(m.RecipientID)
}

func (m Hello) encode(w *writer) {
	w.str16(m.PeerID)
	w.bytes16(m.PublicKey)
	w.str16(m.ListenAddr)
}

func (m PeerSync) encode(w *writer) {
	if len(m.Addrs) > MaxPeerSyncAddrs {
		w.err = &DecodeError{Kind: KindPeerSync, Reason: "too many addresses"}
		return
	}
	w.uint16(uint16(len(m.Addrs)))
	for _, addr := range m.Addrs {
		w.str16(addr)
	}
}

func (m LedgerBlock) encode(w *writer) { w.raw(m.Block) }

type writer struct {
	buf []byte
	err error
}

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) bytes16(b []byte) {
	if len(b) > math.MaxUint16 {
		w.err = &DecodeError{Reason: "field exceeds 65535 bytes"}
		return
	}
	w.uint16(uint16(len(b)))
	w.raw(b)
}

func (w *writer) str16(s string) { w.bytes16([]byte(s)) }

type reader struct {
	kind Kind
	buf  []byte
	err  error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = &DecodeError{Kind: r.kind, Reason: reason}
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.fail("truncated payload")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) bytes16() []byte {
	n := int(r.uint16())
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str16() string {
	b := r.bytes16()
	if r.err == nil && !utf8.Valid(b) {
		r.fail("string is not valid utf-8")
	}
	return string(b)
}

func (r *reader) rest() []byte {
	out := r.buf
	r.buf = nil
	return out
}
