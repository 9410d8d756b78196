package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store with Badger DB. Badger's optimistic
// transactions give Update its conflict detection.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

func (s *BadgerStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; attempt < MaxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", ErrConflict, MaxTxnRetries)
}

// memberPrefix keeps set members out of the record keyspace.
func memberPrefix(set string) []byte {
	return []byte("set:" + set + "/")
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key string, out any) error {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func (t badgerTxn) Members(set string) ([]string, error) {
	prefix := memberPrefix(set)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out, nil
}

func (t badgerTxn) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), data)
}

func (t badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func (t badgerTxn) AddMember(set, member string) error {
	return t.txn.Set(append(memberPrefix(set), member...), []byte{})
}

func (t badgerTxn) RemoveMember(set, member string) error {
	return t.txn.Delete(append(memberPrefix(set), member...))
}
