package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/transaction"
)

var chunkKeyPrefix = []byte("chunk/")

// Badger stores chunks in a BadgerDB instance.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens a store in dir. An empty dir runs Badger in memory.
func OpenBadger(dir string, logger *zap.Logger) (*Badger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("chunkstore")

	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger chunk store at %q: %w", dir, err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func chunkKey(hash string) []byte {
	return append(append([]byte(nil), chunkKeyPrefix...), hash...)
}

func (s *Badger) Put(_ context.Context, data []byte) (string, error) {
	hash := transaction.ContentHash(data)
	key := chunkKey(hash)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already stored
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to put chunk %s: %w", hash, err)
	}
	return hash, nil
}

func (s *Badger) Get(_ context.Context, hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(hash))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", transaction.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", hash, err)
	}
	return out, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
