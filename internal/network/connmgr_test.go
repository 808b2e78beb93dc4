package network

import (
	"bytes"
	"net"
	"testing"
	"time"

	"swarmfeed/internal/crypto"
	"swarmfeed/internal/message"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Fatalf("expected oversize frame to fail")
	}
}

func TestMalformedFrameDoesNotStopReadLoop(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	cm.Attach("peer", server)

	go func() {
		_ = WriteFrame(client, []byte{0x7f, 0x01})
		body, _ := message.Encode(message.ContentAnnounce{Ref: "magnet:?xt=urn:btih:abc"})
		_ = WriteFrame(client, body)
	}()

	select {
	case in := <-cm.Incoming:
		announce, ok := in.Msg.(message.ContentAnnounce)
		if !ok || announce.Ref != "magnet:?xt=urn:btih:abc" || in.Addr != "peer" {
			t.Fatalf("unexpected inbound %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame was not delivered after malformed one")
	}
	if cm.DecodeErrors() != 1 {
		t.Fatalf("expected one decode error, got %d", cm.DecodeErrors())
	}
}

func TestSendSealsFrames(t *testing.T) {
	box, err := crypto.NewBox("secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	cm := NewConnManager("127.0.0.1:0", box, nil)
	t.Cleanup(cm.Stop)
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	connected := make(chan string, 1)
	cm.OnConnect(func(addr string) { connected <- addr })
	cm.Attach("peer", server)
	if addr := <-connected; addr != "peer" {
		t.Fatalf("unexpected connect hook addr %s", addr)
	}

	received := make(chan []byte, 1)
	go func() {
		frame, err := ReadFrame(client)
		if err == nil {
			received <- frame
		}
	}()
	if err := cm.Send("peer", message.TokenTransfer{Amount: 1, SenderID: "a", RecipientID: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var frame []byte
	select {
	case frame = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not written")
	}
	body, err := box.Open(frame)
	if err != nil {
		t.Fatalf("open frame: %v", err)
	}
	msg, err := message.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if transfer := msg.(message.TokenTransfer); transfer.Amount != 1 {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
}

func TestSendUnknownPeer(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	if err := cm.Send("nobody", message.ContentAnnounce{Ref: "x"}); err == nil {
		t.Fatalf("expected error for unknown connection")
	}
}

func TestDisconnectHookFires(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	gone := make(chan string, 1)
	cm.OnDisconnect(func(addr string) { gone <- addr })
	client, server := net.Pipe()
	cm.Attach("peer", server)
	client.Close()
	select {
	case addr := <-gone:
		if addr != "peer" {
			t.Fatalf("unexpected addr %s", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	if len(cm.ConnsList()) != 0 {
		t.Fatalf("expected connection removed")
	}
}

// frames decodes every frame the remote end of a pipe receives.
func frames(conn net.Conn) <-chan message.Message {
	out := make(chan message.Message, 4)
	go func() {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			if msg, err := message.Decode(frame); err == nil {
				out <- msg
			}
		}
	}()
	return out
}

func delivered(ch <-chan message.Message) bool {
	select {
	case <-ch:
		return true
	case <-time.After(200 * time.Millisecond):
		return false
	}
}

func TestBindClosesDuplicateAgainstPreference(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	outRemote, outLocal := net.Pipe()
	inRemote, inLocal := net.Pipe()
	t.Cleanup(func() { outRemote.Close(); inRemote.Close() })
	cm.attach("10.0.0.2:9001", outLocal, true)
	cm.Attach("10.0.0.2:53000", inLocal)

	if closed := cm.Bind("10.0.0.2:9001", "peer-b", "10.0.0.2:9001", true); closed != "" {
		t.Fatalf("first bind closed %q", closed)
	}
	if closed := cm.Bind("10.0.0.2:53000", "peer-b", "10.0.0.2:9001", true); closed != "10.0.0.2:53000" {
		t.Fatalf("expected inbound duplicate closed, got %q", closed)
	}
	if got := cm.ConnsList(); len(got) != 1 || got[0] != "10.0.0.2:9001" {
		t.Fatalf("unexpected links %v", got)
	}
	if !cm.linked("10.0.0.2:9001") {
		t.Fatalf("expected listen addr to count as linked")
	}
}

func TestBindPrefersInboundWhenAsked(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	outRemote, outLocal := net.Pipe()
	inRemote, inLocal := net.Pipe()
	t.Cleanup(func() { outRemote.Close(); inRemote.Close() })
	cm.attach("10.0.0.3:9001", outLocal, true)
	cm.Attach("10.0.0.3:53000", inLocal)

	cm.Bind("10.0.0.3:9001", "peer-c", "10.0.0.3:9001", false)
	if closed := cm.Bind("10.0.0.3:53000", "peer-c", "10.0.0.3:9001", false); closed != "10.0.0.3:9001" {
		t.Fatalf("expected outbound duplicate closed, got %q", closed)
	}
	if got := cm.ConnsList(); len(got) != 1 || got[0] != "10.0.0.3:53000" {
		t.Fatalf("unexpected links %v", got)
	}
	if !cm.linked("10.0.0.3:9001") {
		t.Fatalf("expected surviving link to carry the listen addr")
	}
}

func TestBroadcastReachesEachBoundPeerOnce(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	inbox := map[string]<-chan message.Message{}
	for _, key := range []string{"a:1", "a:2", "b:1", "fresh:1"} {
		remote, local := net.Pipe()
		t.Cleanup(func() { remote.Close() })
		inbox[key] = frames(remote)
		cm.attach(key, local, true)
	}
	// Two outbound links to peer-a: Bind keeps the newer one.
	cm.Bind("a:1", "peer-a", "", true)
	cm.Bind("a:2", "peer-a", "", true)
	cm.Bind("b:1", "peer-b", "", true)

	cm.Broadcast(message.ContentAnnounce{Ref: "magnet:x"}, "")

	for key, want := range map[string]bool{"a:1": false, "a:2": true, "b:1": true, "fresh:1": false} {
		if got := delivered(inbox[key]); got != want {
			t.Fatalf("link %s: delivered=%v want %v", key, got, want)
		}
	}
}

func TestBroadcastSkipsPeerBehindExcept(t *testing.T) {
	cm := NewConnManager("127.0.0.1:0", nil, nil)
	t.Cleanup(cm.Stop)
	remote, local := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	inbox := frames(remote)
	cm.Attach("a:1", local)
	cm.Bind("a:1", "peer-a", "", false)

	cm.Broadcast(message.ContentAnnounce{Ref: "magnet:x"}, "a:1")
	if delivered(inbox) {
		t.Fatalf("sender received its own broadcast")
	}
}
