// Package wallet mirrors per-peer token balances learned from local sends and
// transfer gossip. Balances are advisory: remote transfers are applied as
// received, so the table is eventually inconsistent across peers and forged
// or overspent transfers are not detected here.
package wallet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"swarmfeed/internal/logger"
)

// ErrInsufficientFunds is returned by TryDebit when the balance is too low.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Store persists balances between runs.
type Store interface {
	LoadBalances() (map[string]int64, error)
	SaveBalance(peerID string, balance int64) error
}

// Balance is one row of the wallet table.
type Balance struct {
	PeerID  string `json:"peer_id"`
	Balance int64  `json:"balance"`
}

// Ledger is the wallet table. Every method is atomic for the peer it
// touches; a transfer is two independent single-peer updates.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	store    Store
	log      *zap.Logger
}

// New creates a ledger, loading persisted balances from store when set.
func New(store Store, log *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		balances: make(map[string]int64),
		store:    store,
		log:      logger.OrNop(log).Named("wallet"),
	}
	if store != nil {
		loaded, err := store.LoadBalances()
		if err != nil {
			return nil, fmt.Errorf("load balances: %w", err)
		}
		for id, bal := range loaded {
			l.balances[id] = bal
		}
	}
	return l, nil
}

// GetOrCreate returns the balance for peerID, creating a zero wallet.
func (l *Ledger) GetOrCreate(peerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[peerID]
	if !ok {
		l.balances[peerID] = 0
		l.persist(peerID, 0)
	}
	return bal
}

// Balance returns the balance for peerID without creating a wallet.
func (l *Ledger) Balance(peerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[peerID]
}

// Credit adds amount to peerID and returns the new balance.
func (l *Ledger) Credit(peerID string, amount int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[peerID] += amount
	bal := l.balances[peerID]
	l.persist(peerID, bal)
	return bal
}

// Debit subtracts amount from peerID without a balance check. It is used for
// remote-originated transfers only.
func (l *Ledger) Debit(peerID string, amount int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[peerID] -= amount
	bal := l.balances[peerID]
	l.persist(peerID, bal)
	return bal
}

// TryDebit subtracts amount only if peerID can cover it.
func (l *Ledger) TryDebit(peerID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[peerID]
	if bal < amount {
		return bal, fmt.Errorf("debit %d from %s with balance %d: %w", amount, peerID, bal, ErrInsufficientFunds)
	}
	bal -= amount
	l.balances[peerID] = bal
	l.persist(peerID, bal)
	return bal, nil
}

// SetBalance overwrites the balance for peerID.
func (l *Ledger) SetBalance(peerID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[peerID] = balance
	l.persist(peerID, balance)
}

// Seed sets balance for peerID only when it has no wallet yet. It reports
// whether the wallet was created.
func (l *Ledger) Seed(peerID string, balance int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[peerID]; ok {
		return false
	}
	l.balances[peerID] = balance
	l.persist(peerID, balance)
	return true
}

// Balances returns every wallet sorted by peer id.
func (l *Ledger) Balances() []Balance {
	l.mu.Lock()
	out := make([]Balance, 0, len(l.balances))
	for id, bal := range l.balances {
		out = append(out, Balance{PeerID: id, Balance: bal})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (l *Ledger) persist(peerID string, balance int64) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveBalance(peerID, balance); err != nil {
		l.log.Warn("persist balance failed", zap.String("peer", peerID), zap.Error(err))
	}
}
