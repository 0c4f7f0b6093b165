// Package storage provides the transactional key-value store the exchange
// engine runs on. Every Update is serializable: reads are served from a
// snapshot and validated at commit time, and a transaction whose reads were
// invalidated by a concurrent commit fails with ErrConflict and writes nothing.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrConflict means a concurrent transaction committed a change to data
	// this transaction read. Nothing was written; the caller may retry.
	ErrConflict = errors.New("storage: transaction conflict")

	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("storage: key already exists")

	// ErrReadOnly is returned when writing through a view transaction.
	ErrReadOnly = errors.New("storage: read-only transaction")

	// ErrStopScan may be returned from a scan callback to end the scan early
	// without error.
	ErrStopScan = errors.New("storage: stop scan")
)

// Range selects keys in [Lower, Upper). A nil Upper means unbounded.
type Range struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
}

// PrefixRange returns the range covering every key that starts with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Lower: prefix, Upper: KeyUpperBound(prefix)}
}

// Reader is the read half of a transaction.
type Reader interface {
	// Get returns a copy of the value stored under key.
	Get(key []byte) (value []byte, found bool, err error)
	// Scan calls fn for each key in r, in ascending order unless r.Reverse.
	Scan(r Range, fn func(key, value []byte) error) error
}

// Txn is a read-write transaction. Writes are buffered and become visible to
// other transactions only when the enclosing Update commits.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Insert writes key only if it does not exist yet, otherwise it returns
	// ErrKeyExists. Uniqueness holds across concurrent transactions.
	Insert(key, value []byte) error
}

// Store runs transactions.
type Store interface {
	// Update runs fn in a serializable read-write transaction. If fn returns
	// an error nothing is written and that error is returned unchanged.
	Update(ctx context.Context, fn func(tx Txn) error) error
	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(r Reader) error) error
	Close() error
}
