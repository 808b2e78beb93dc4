package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/crypto"
	"swarmfeed/internal/logger"
	"swarmfeed/internal/message"
)

const (
	dialTimeout   = 3 * time.Second
	writeTimeout  = 5 * time.Second
	incomingQueue = 128
)

// Inbound is a decoded message together with the connection it arrived on.
type Inbound struct {
	Addr string
	Msg  message.Message
}

// link is one live TCP connection. Writes are serialised so frames never
// interleave on the wire. peerID and listenAddr are set by Bind once the
// remote node has introduced itself.
type link struct {
	conn       net.Conn
	outbound   bool
	peerID     string
	listenAddr string
	wmu        sync.Mutex
}

func (l *link) send(frame []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(l.conn, frame)
}

type connHooks struct {
	mu      sync.RWMutex
	connect func(addr string)
	gone    func(addr string)
}

func (h *connHooks) fire(addr string, up bool) {
	h.mu.RLock()
	fn := h.gone
	if up {
		fn = h.connect
	}
	h.mu.RUnlock()
	if fn != nil {
		fn(addr)
	}
}

// ConnManager owns the overlay's TCP links, keyed by the remote address for
// inbound connections and by the dialed address for outbound ones. Sends are
// fire-and-forget: there is no acknowledgement or retransmission.
type ConnManager struct {
	addr     string
	listener net.Listener
	box      *crypto.Box
	log      *zap.Logger
	hooks    connHooks

	mu    sync.RWMutex
	links map[string]*link

	decodeErrors atomic.Uint64

	Incoming chan Inbound
	done     chan struct{}
	stopOnce sync.Once
}

// NewConnManager returns a manager that will listen on addr. A nil box sends
// plaintext frames.
func NewConnManager(addr string, box *crypto.Box, log *zap.Logger) *ConnManager {
	return &ConnManager{
		addr:     addr,
		box:      box,
		log:      logger.OrNop(log).Named("network"),
		links:    make(map[string]*link),
		Incoming: make(chan Inbound, incomingQueue),
		done:     make(chan struct{}),
	}
}

func (cm *ConnManager) OnConnect(fn func(addr string)) {
	cm.hooks.mu.Lock()
	cm.hooks.connect = fn
	cm.hooks.mu.Unlock()
}

func (cm *ConnManager) OnDisconnect(fn func(addr string)) {
	cm.hooks.mu.Lock()
	cm.hooks.gone = fn
	cm.hooks.mu.Unlock()
}

// StartListen binds the listen address and accepts peers in the background.
func (cm *ConnManager) StartListen() error {
	ln, err := net.Listen("tcp", cm.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cm.addr, err)
	}
	cm.listener = ln
	go cm.accept(ln)
	return nil
}

func (cm *ConnManager) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		switch {
		case err == nil:
			cm.Attach(conn.RemoteAddr().String(), conn)
		case errors.Is(err, net.ErrClosed), cm.stopped():
			return
		default:
			cm.log.Warn("accept failed", zap.Error(err))
		}
	}
}

func (cm *ConnManager) stopped() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

// ConnectToPeer dials peerAddr unless it is our own address or already linked.
func (cm *ConnManager) ConnectToPeer(peerAddr string) error {
	if peerAddr == cm.addr || cm.linked(peerAddr) {
		return nil
	}
	conn, err := net.DialTimeout("tcp", peerAddr, dialTimeout)
	if err != nil {
		return err
	}
	cm.attach(peerAddr, conn, true)
	return nil
}

// Bind records that the link keyed by addr belongs to peerID listening on
// listenAddr. When another link to the same peer exists, one of the two is
// closed and its key returned: the link in the preferred direction survives
// (outbound when preferOutbound), and between links of the same direction
// the new one wins. Both ends of a pair pass opposite preferences, so they
// agree on which TCP connection to keep.
func (cm *ConnManager) Bind(addr, peerID, listenAddr string, preferOutbound bool) (closed string) {
	cm.mu.Lock()
	cur, ok := cm.links[addr]
	if !ok || peerID == "" {
		cm.mu.Unlock()
		return ""
	}
	var rivalKey string
	var rival *link
	for key, l := range cm.links {
		if key != addr && l.peerID == peerID {
			rivalKey, rival = key, l
			break
		}
	}
	keepCur := rival == nil || cur.outbound == rival.outbound || cur.outbound == preferOutbound
	if keepCur {
		cur.peerID, cur.listenAddr = peerID, listenAddr
		if rival != nil {
			rival.peerID, rival.listenAddr = "", ""
		}
	}
	cm.mu.Unlock()

	switch {
	case rival == nil:
		return ""
	case keepCur:
		cm.log.Debug("closing duplicate link", zap.String("peer", peerID), zap.String("addr", rivalKey))
		cm.drop(rivalKey, rival.conn)
		return rivalKey
	default:
		cm.log.Debug("closing duplicate link", zap.String("peer", peerID), zap.String("addr", addr))
		cm.drop(addr, cur.conn)
		return addr
	}
}

// linked reports whether addr is already reachable, either as a link key or
// as the listen address a bound peer announced.
func (cm *ConnManager) linked(addr string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if _, ok := cm.links[addr]; ok {
		return true
	}
	for _, l := range cm.links {
		if l.listenAddr == addr {
			return true
		}
	}
	return false
}

// Attach registers an inbound conn under key, replacing any previous link
// with the same key, and starts reading from it.
func (cm *ConnManager) Attach(key string, conn net.Conn) {
	cm.attach(key, conn, false)
}

func (cm *ConnManager) attach(key string, conn net.Conn, outbound bool) {
	cm.mu.Lock()
	if old, ok := cm.links[key]; ok {
		_ = old.conn.Close()
	}
	cm.links[key] = &link{conn: conn, outbound: outbound}
	cm.mu.Unlock()

	go cm.read(key, conn)
	cm.hooks.fire(key, true)
}

func (cm *ConnManager) read(key string, conn net.Conn) {
	defer cm.drop(key, conn)

	r := bufio.NewReader(conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				cm.log.Debug("read failed", zap.String("peer", key), zap.Error(err))
			}
			return
		}
		msg, err := cm.open(frame)
		if err != nil {
			cm.decodeErrors.Add(1)
			cm.log.Warn("dropping frame", zap.String("peer", key), zap.Error(err))
			continue
		}
		select {
		case cm.Incoming <- Inbound{Addr: key, Msg: msg}:
		case <-cm.done:
			return
		}
	}
}

func (cm *ConnManager) open(frame []byte) (message.Message, error) {
	body, err := cm.box.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return message.Decode(body)
}

func (cm *ConnManager) seal(msg message.Message) ([]byte, error) {
	body, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}
	return cm.box.Seal(body)
}

// Send writes msg to the link keyed by addr. A failed write tears the link down.
func (cm *ConnManager) Send(addr string, msg message.Message) error {
	frame, err := cm.seal(msg)
	if err != nil {
		return err
	}
	cm.mu.RLock()
	l, ok := cm.links[addr]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection to %s", addr)
	}
	if err := l.send(frame); err != nil {
		go cm.drop(addr, l.conn)
		return err
	}
	return nil
}

// Broadcast sends msg once to every bound peer except the one reached
// through the link keyed by except. Links whose peer has not introduced
// itself yet are skipped, so a pair joined by two connections never sees
// the same broadcast twice.
func (cm *ConnManager) Broadcast(msg message.Message, except string) {
	frame, err := cm.seal(msg)
	if err != nil {
		cm.log.Error("encode message failed", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		return
	}
	for addr, l := range cm.snapshot(except) {
		if err := l.send(frame); err != nil {
			cm.log.Debug("write failed", zap.String("peer", addr), zap.Error(err))
			go cm.drop(addr, l.conn)
		}
	}
}

// snapshot picks one link per bound peer, skipping the peer behind except.
func (cm *ConnManager) snapshot(except string) map[string]*link {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	skip := ""
	if l, ok := cm.links[except]; ok {
		skip = l.peerID
	}
	out := make(map[string]*link, len(cm.links))
	seen := make(map[string]struct{}, len(cm.links))
	for addr, l := range cm.links {
		if addr == except || l.peerID == "" || l.peerID == skip {
			continue
		}
		if _, dup := seen[l.peerID]; dup {
			continue
		}
		seen[l.peerID] = struct{}{}
		out[addr] = l
	}
	return out
}

// ConnsList returns the keys of all live links, sorted.
func (cm *ConnManager) ConnsList() []string {
	cm.mu.RLock()
	keys := make([]string, 0, len(cm.links))
	for addr := range cm.links {
		keys = append(keys, addr)
	}
	cm.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// drop forgets addr only while it still maps to conn, so a replaced
// connection does not take its successor down with it.
func (cm *ConnManager) drop(addr string, conn net.Conn) {
	cm.mu.Lock()
	l, ok := cm.links[addr]
	current := ok && l.conn == conn
	if current {
		delete(cm.links, addr)
	}
	cm.mu.Unlock()
	_ = conn.Close()
	if current {
		cm.hooks.fire(addr, false)
	}
}

// DecodeErrors counts frames dropped because they could not be opened or decoded.
func (cm *ConnManager) DecodeErrors() uint64 {
	return cm.decodeErrors.Load()
}

// Stop closes the listener and every link. Disconnect hooks are not fired.
func (cm *ConnManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.done)
		if cm.listener != nil {
			_ = cm.listener.Close()
		}
		cm.mu.Lock()
		for addr, l := range cm.links {
			_ = l.conn.Close()
			delete(cm.links, addr)
		}
		cm.mu.Unlock()
	})
}

// Addr is the bound listen address once listening, the configured one before.
func (cm *ConnManager) Addr() string {
	if cm.listener != nil {
		return cm.listener.Addr().String()
	}
	return cm.addr
}

func (cm *ConnManager) EncryptionEnabled() bool {
	return cm.box != nil
}
