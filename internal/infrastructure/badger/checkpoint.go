package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

var keyPrefix = []byte("checkpoint/")

type CheckpointStore struct {
	db *badger.DB
}

// Open opens the database at dir. An empty dir keeps everything in memory.
func Open(dir string) (*CheckpointStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
		opts.SyncWrites = true
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		n     uint64
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("checkpoint %s: malformed value of %d bytes", key, len(v))
			}
			n = binary.BigEndian.Uint64(v)
			found = true
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, found, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, key string, n uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, n)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(key), value)
	})
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func checkpointKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}
