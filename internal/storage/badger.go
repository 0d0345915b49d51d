// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerChunkStore keeps raw upload chunks in a badger keyspace:
//
//	up:<uploadID>:<index>  ->  chunk bytes
//
// The store is write-heavy and short-lived per upload; chunks are dropped
// wholesale after a successful merge.
type BadgerChunkStore struct {
	db *badger.DB
}

// OpenBadgerChunkStore opens (or creates) the chunk database at path.
func OpenBadgerChunkStore(path string) (*BadgerChunkStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open chunk db: %w", err)
	}
	return &BadgerChunkStore{db: db}, nil
}

// NewBadgerChunkStore wraps an already-open badger database. Used by tests
// with in-memory databases.
func NewBadgerChunkStore(db *badger.DB) *BadgerChunkStore {
	return &BadgerChunkStore{db: db}
}

func (s *BadgerChunkStore) Close() error { return s.db.Close() }

func chunkKey(uploadID string, index int) []byte {
	return []byte(fmt.Sprintf("up:%s:%010d", uploadID, index))
}

func chunkPrefix(uploadID string) []byte {
	return []byte("up:" + uploadID + ":")
}

func (s *BadgerChunkStore) PutChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(uploadID, index), data)
	})
}

func (s *BadgerChunkStore) GetChunk(ctx context.Context, uploadID string, index int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(uploadID, index))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: upload %s chunk %d", ErrNotFound, uploadID, index)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerChunkStore) ChunkIndices(ctx context.Context, uploadID string) ([]int, error) {
	prefix := chunkPrefix(uploadID)
	var indices []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			raw := strings.TrimPrefix(key, string(prefix))
			idx, err := strconv.Atoi(raw)
			if err != nil {
				continue // foreign key shape, skip
			}
			indices = append(indices, idx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(indices)
	return indices, nil
}

func (s *BadgerChunkStore) DeleteChunks(ctx context.Context, uploadID string) error {
	prefix := chunkPrefix(uploadID)

	// Collect first, then delete in batches; badger transactions cap the
	// number of pending writes.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}
