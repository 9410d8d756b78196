package storage

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Update when the transaction kept
	// colliding with concurrent writers.
	ErrConflict = errors.New("transaction conflict")
)

// MaxTxnRetries bounds how often Update re-runs a conflicting
// transaction before giving up with ErrConflict.
const MaxTxnRetries = 8

// Reader is the read side of a store transaction. Values are JSON.
type Reader interface {
	Get(key string, out any) error
	// Members lists the members of a set in sorted order.
	Members(set string) ([]string, error)
}

// Txn is a read-write transaction. Writes become visible to other
// clients only when the transaction commits; reads inside the
// transaction see its own writes.
type Txn interface {
	Reader
	Put(key string, v any) error
	Delete(key string) error
	AddMember(set, member string) error
	RemoveMember(set, member string) error
}

// Store is the shared resource store (kept minimal, allows swapping
// implementations). Every key read inside Update takes part in conflict
// detection, so a read-check-write sequence commits only if nothing it
// read changed meanwhile. fn may run more than once and must not have
// side effects outside the transaction.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Get reads a single value outside of any larger transaction.
func Get(ctx context.Context, s Store, key string, out any) error {
	return s.View(ctx, func(r Reader) error {
		return r.Get(key, out)
	})
}

// Put writes a single value.
func Put(ctx context.Context, s Store, key string, v any) error {
	return s.Update(ctx, func(t Txn) error {
		return t.Put(key, v)
	})
}

// Members lists a set outside of any larger transaction.
func Members(ctx context.Context, s Store, set string) ([]string, error) {
	var out []string
	err := s.View(ctx, func(r Reader) error {
		var err error
		out, err = r.Members(set)
		return err
	})
	return out, err
}

func sorted(members []string) []string {
	sort.Strings(members)
	return members
}
