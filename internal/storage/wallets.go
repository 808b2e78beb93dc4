package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var walletBucket = []byte("wallets")

// WalletStore persists the mirrored wallet table in BoltDB so balances
// survive restarts. Balances are stored as big-endian int64 keyed by peer id.
type WalletStore struct {
	db *bbolt.DB
}

func OpenWalletStore(path string) (*WalletStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(walletBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &WalletStore{db: db}, nil
}

func (s *WalletStore) open() bool { return s != nil && s.db != nil }

func (s *WalletStore) Close() error {
	if !s.open() {
		return nil
	}
	return s.db.Close()
}

// SaveBalance overwrites the stored balance for peerID.
func (s *WalletStore) SaveBalance(peerID string, balance int64) error {
	if !s.open() {
		return nil
	}
	value := binary.BigEndian.AppendUint64(nil, uint64(balance))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(walletBucket).Put([]byte(peerID), value)
	})
}

// LoadBalances reads the whole table. A nil store loads nothing.
func (s *WalletStore) LoadBalances() (map[string]int64, error) {
	balances := make(map[string]int64)
	if !s.open() {
		return balances, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(walletBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) != 8 {
				return fmt.Errorf("corrupt balance for %q", k)
			}
			balances[string(k)] = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return balances, err
}
