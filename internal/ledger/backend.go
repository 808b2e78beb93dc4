package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by backends for missing keys.
var ErrNotFound = errors.New("ledger: not found")

// KV is one write in an atomic batch.
type KV struct {
	Key   []byte
	Value []byte
}

// Backend is the ordered key-value store underneath the ledger.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Write(batch []KV) error
	// Scan visits keys with prefix in ascending order until fn returns an error.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open opens the named backend ("bolt" or "leveldb") at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", "bolt", "bbolt":
		return OpenBolt(path)
	case "leveldb":
		return OpenLevel(path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", kind)
	}
}

var ledgerBucket = []byte("ledger")

// BoltBackend stores the ledger in a single bbolt bucket.
type BoltBackend struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(ledgerBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *BoltBackend) Write(batch []KV) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(ledgerBucket)
		for _, kv := range batch {
			if err := bucket.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(ledgerBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// LevelBackend stores the ledger in goleveldb.
type LevelBackend struct {
	conn *leveldb.DB
}

func OpenLevel(path string) (*LevelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelBackend{conn: db}, nil
}

func (l *LevelBackend) Get(key []byte) ([]byte, error) {
	v, err := l.conn.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelBackend) Write(batch []KV) error {
	b := new(leveldb.Batch)
	for _, kv := range batch {
		b.Put(kv.Key, kv.Value)
	}
	return l.conn.Write(b, nil)
}

func (l *LevelBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.conn.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelBackend) Close() error {
	return l.conn.Close()
}
