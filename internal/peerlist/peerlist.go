// Package peerlist stores the addresses registered with the bootstrap server.
package peerlist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the bootstrap registry backend. Entries that have not
// re-registered within the store's TTL are no longer listed.
type Store interface {
	Register(ctx context.Context, addr string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore is a process-local Store for a single bootstrap replica.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore returns an empty store. A ttl <= 0 keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Register(_ context.Context, addr string) error {
	s.mu.Lock()
	s.seen[addr] = s.now()
	s.mu.Unlock()
	return nil
}

// List evicts expired entries and returns the rest sorted.
func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cutoff time.Time
	if s.ttl > 0 {
		cutoff = s.now().Add(-s.ttl)
	}
	live := make([]string, 0, len(s.seen))
	for addr, at := range s.seen {
		if s.ttl > 0 && at.Before(cutoff) {
			delete(s.seen, addr)
			continue
		}
		live = append(live, addr)
	}
	sort.Strings(live)
	return live, nil
}

func (s *MemoryStore) Close() error { return nil }
