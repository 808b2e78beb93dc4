package protocol

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// BlockList drops traffic from unwanted peers. An entry is a peer id, a
// host:port address, or a bare host that blocks every port on it.
type BlockList struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

func NewBlockList(initial ...string) *BlockList {
	b := &BlockList{entries: make(map[string]struct{}, len(initial))}
	b.Add(initial...)
	return b
}

func (b *BlockList) Add(entries ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			b.entries[e] = struct{}{}
		}
	}
}

func (b *BlockList) Remove(entry string) {
	b.mu.Lock()
	delete(b.entries, strings.TrimSpace(entry))
	b.mu.Unlock()
}

// Blocks reports whether a peer known by id and seen at addr is blocked.
// Empty values never match.
func (b *BlockList) Blocks(id, addr string) bool {
	candidates := []string{id, addr}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		candidates = append(candidates, host)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, hit := b.entries[c]; hit {
			return true
		}
	}
	return false
}

// List returns the entries sorted.
func (b *BlockList) List() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.entries))
	for e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PeerInfo is the overlay's view of one remote node.
type PeerInfo struct {
	ID         string    `json:"id"`
	PublicKey  []byte    `json:"public_key"`
	Addr       string    `json:"addr"`
	ListenAddr string    `json:"listen_addr,omitempty"`
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"last_seen"`
}

// PeerDirectory tracks known peers by id, with the connection each one
// was last heard on. Entries are created by Hello, refreshed by any
// traffic, and pruned once offline past the staleness TTL.
type PeerDirectory struct {
	mu     sync.RWMutex
	byID   map[string]*PeerInfo
	byAddr map[string]*PeerInfo
	now    func() time.Time
}

func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{
		byID:   make(map[string]*PeerInfo),
		byAddr: make(map[string]*PeerInfo),
		now:    time.Now,
	}
}

// Record binds id to the connection addr. It reports true when this is the
// first Hello seen on that connection for id.
func (p *PeerDirectory) Record(id string, pub []byte, addr, listenAddr string) bool {
	if id == "" || addr == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fresh := true
	if prev, ok := p.byAddr[addr]; ok && prev.ID == id {
		fresh = false
	}
	entry, ok := p.byID[id]
	if !ok {
		entry = &PeerInfo{ID: id}
		p.byID[id] = entry
	}
	if entry.Addr != "" && entry.Addr != addr {
		if cur, ok := p.byAddr[entry.Addr]; ok && cur == entry {
			delete(p.byAddr, entry.Addr)
		}
	}
	entry.PublicKey = append([]byte(nil), pub...)
	entry.Addr = addr
	if listenAddr != "" {
		entry.ListenAddr = listenAddr
	}
	entry.Online = true
	entry.LastSeen = p.now()
	p.byAddr[addr] = entry
	return fresh
}

// Touch refreshes the peer heard on addr.
func (p *PeerDirectory) Touch(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.byAddr[addr]; ok {
		entry.Online = true
		entry.LastSeen = p.now()
	}
}

// Disconnected marks the peer on addr offline.
func (p *PeerDirectory) Disconnected(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.byAddr[addr]; ok {
		entry.Online = false
		delete(p.byAddr, addr)
	}
}

// MarkActive sets presence from the live connection list.
func (p *PeerDirectory) MarkActive(addrs []string) {
	live := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		live[a] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, entry := range p.byID {
		_, ok := live[entry.Addr]
		entry.Online = ok
		if ok {
			entry.LastSeen = now
		}
	}
}

// Prune removes offline peers not seen within ttl and returns them.
func (p *PeerDirectory) Prune(ttl time.Duration) []PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-ttl)
	var removed []PeerInfo
	for id, entry := range p.byID {
		if entry.Online || entry.LastSeen.After(cutoff) {
			continue
		}
		delete(p.byID, id)
		if cur, ok := p.byAddr[entry.Addr]; ok && cur == entry {
			delete(p.byAddr, entry.Addr)
		}
		removed = append(removed, *entry)
	}
	return removed
}

func (p *PeerDirectory) ByAddr(addr string) (PeerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.byAddr[addr]; ok {
		return *entry, true
	}
	return PeerInfo{}, false
}

func (p *PeerDirectory) ByID(id string) (PeerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.byID[id]; ok {
		return *entry, true
	}
	return PeerInfo{}, false
}

// Online lists connected peers.
func (p *PeerDirectory) Online() []PeerInfo {
	var out []PeerInfo
	for _, peer := range p.Snapshot() {
		if peer.Online {
			out = append(out, peer)
		}
	}
	return out
}

// Snapshot lists every known peer sorted by id.
func (p *PeerDirectory) Snapshot() []PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := make([]PeerInfo, 0, len(p.byID))
	for _, entry := range p.byID {
		list = append(list, *entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
