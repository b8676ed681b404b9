// Package badger provides an embedded BadgerDB cache backend.
//
// Keys are attachment URLs; values are category names stored as plain text.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCDiscardRatio is the minimum ratio of discardable data before value log GC.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCDiscardRatio: 0.5,
	}
}

type Backend struct {
	db  *badger.DB
	cfg Config
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent mode")
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithLoggingLevel(badger.ERROR).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return &Backend{db: db, cfg: cfg}, nil
}

func (b *Backend) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Put writes value for key. Each call is its own transaction, so concurrent
// writes of unrelated keys never conflict.
func (b *Backend) Put(_ context.Context, key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			same := false
			if verr := item.Value(func(val []byte) error {
				same = string(val) == value
				return nil
			}); verr != nil {
				return verr
			}
			if same {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), []byte(value))
	})
}

func (b *Backend) Len(_ context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (b *Backend) Ping(_ context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Maintain runs value log GC until there is nothing left to rewrite.
func (b *Backend) Maintain(ctx context.Context) error {
	if b.cfg.InMemory {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.RunValueLogGC(b.cfg.GCDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *Backend) Name() string { return "badger" }

func (b *Backend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
