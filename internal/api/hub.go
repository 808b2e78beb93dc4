package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swarmfeed/internal/protocol"
)

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
)

// Hub fans overlay events out to websocket clients. A client that falls
// behind loses events rather than stalling the overlay.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish implements protocol.Sink.
func (h *Hub) Publish(evt protocol.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn("event encode", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Clients reports the number of attached streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade", zap.Error(err))
		return
	}
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for data := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(conn)
			return
		}
	}
}

// readLoop drains control frames and notices the client going away.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn, ch := range h.clients {
		close(ch)
		delete(h.clients, conn)
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
