package protocol

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"swarmfeed/internal/crypto"
	"swarmfeed/internal/ledger"
	"swarmfeed/internal/message"
	"swarmfeed/internal/network"
	"swarmfeed/internal/wallet"
)

type sent struct {
	addr string
	msg  message.Message
}

type recordingTransport struct {
	mu         sync.Mutex
	sent       []sent
	broadcasts []message.Message
	conns      []string
	bound      map[string]string
	// closeOnBind names the key Bind reports as closed, keyed by bound addr.
	closeOnBind map[string]string
}

func (t *recordingTransport) Bind(addr, peerID, _ string, _ bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound == nil {
		t.bound = map[string]string{}
	}
	closed := t.closeOnBind[addr]
	if closed != addr {
		t.bound[addr] = peerID
	}
	return closed
}

func (t *recordingTransport) Send(addr string, msg message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{addr: addr, msg: msg})
	return nil
}

func (t *recordingTransport) Broadcast(msg message.Message, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, msg)
}

func (t *recordingTransport) ConnsList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.conns...)
}

func (t *recordingTransport) Sent() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.sent...)
}

func (t *recordingTransport) Broadcasts() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]message.Message(nil), t.broadcasts...)
}

type fakeCache struct {
	mu    sync.Mutex
	refs  []string
	added []string
}

func (c *fakeCache) AddKnownContent(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, ref)
	return nil
}

func (c *fakeCache) KnownReferences() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.refs...)
}

func (c *fakeCache) Added() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.added...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

type testNode struct {
	rt        *Runtime
	transport *recordingTransport
	cache     *fakeCache
	wallet    *wallet.Ledger
	ledger    *ledger.Store
	sink      *recordingSink
	incoming  chan network.Inbound
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	backend, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger backend: %v", err)
	}
	store, err := ledger.NewStore(backend, nil)
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	wl, err := wallet.New(nil, nil)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	n := &testNode{
		transport: &recordingTransport{},
		cache:     &fakeCache{},
		wallet:    wl,
		ledger:    store,
		sink:      &recordingSink{},
		incoming:  make(chan network.Inbound, 8),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dialer := NewDialScheduler(noopConnector{}, "127.0.0.1:9001", nil)
	t.Cleanup(dialer.Close)
	n.rt = NewRuntime(ctx, RuntimeOptions{
		Transport: n.transport,
		Incoming:  n.incoming,
		Identity:  id,
		SelfAddr:  "127.0.0.1:9001",
		Cache:     n.cache,
		Wallet:    wl,
		Ledger:    store,
		Dialer:    dialer,
		Sink:      n.sink,
	})
	n.rt.pick = func(int) int { return 0 }
	return n
}

type noopConnector struct{}

func (noopConnector) ConnectToPeer(string) error { return nil }

func newPeerIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id
}
