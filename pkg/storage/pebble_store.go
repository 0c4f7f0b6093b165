package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/crypto/sha3"
)

// Options configures a PebbleStore.
type Options struct {
	// InMemory keeps the database on an in-memory filesystem (tests, dev).
	InMemory bool
	// Sync fsyncs every commit.
	Sync bool
}

// PebbleStore implements Store with optimistic concurrency control on top of
// Pebble snapshots and atomic batches. Validation and batch application happen
// under commitMu, so committed transactions form a serial order.
type PebbleStore struct {
	db        *pebble.DB
	commitMu  sync.Mutex
	writeOpts *pebble.WriteOptions
}

// Open opens (or creates) a Pebble database at path.
func Open(path string, opts Options) (*PebbleStore, error) {
	var pOpts *pebble.Options
	if opts.InMemory {
		pOpts = &pebble.Options{FS: vfs.NewMem()}
		path = ""
	} else {
		cache := pebble.NewCache(64 << 20) // 64MB block cache
		defer cache.Unref()
		pOpts = &pebble.Options{
			Cache:                    cache,
			MemTableSize:             32 << 20,
			MaxConcurrentCompactions: func() int { return 2 },
			L0CompactionThreshold:    2,
			L0StopWritesThreshold:    12,
			MaxOpenFiles:             1000,
			BytesPerSync:             512 << 10,
		}
	}

	db, err := pebble.Open(path, pOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %q: %w", path, err)
	}

	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}
	return &PebbleStore{db: db, writeOpts: writeOpts}, nil
}

// OpenInMemory is shorthand for Open("", Options{InMemory: true}).
func OpenInMemory() (*PebbleStore, error) {
	return Open("", Options{InMemory: true})
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&viewTxn{r: snap})
}

func (s *PebbleStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()

	tx := &pebbleTxn{
		snap:   snap,
		reads:  make(map[string]readEntry),
		writes: make(map[string]writeEntry),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		// read-only: serializable at the snapshot point
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *PebbleStore) commit(tx *pebbleTxn) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for k, r := range tx.reads {
		cur, found, err := getFrom(s.db, []byte(k))
		if err != nil {
			return fmt.Errorf("validate read %q: %w", k, err)
		}
		if found != r.found || !bytes.Equal(cur, r.value) {
			return ErrConflict
		}
	}
	for _, sc := range tx.scans {
		entries, err := collect(s.db, Range{Lower: sc.lower, Upper: sc.upper})
		if err != nil {
			return fmt.Errorf("validate scan: %w", err)
		}
		if !bytes.Equal(digest(entries), sc.digest) {
			return ErrConflict
		}
	}

	b := s.db.NewBatch()
	defer b.Close()
	for k, w := range tx.writes {
		var err error
		if w.deleted {
			err = b.Delete([]byte(k), nil)
		} else {
			err = b.Set([]byte(k), w.value, nil)
		}
		if err != nil {
			return fmt.Errorf("stage write %q: %w", k, err)
		}
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

var _ Store = (*PebbleStore)(nil)

// ============================================================================
// Transactions
// ============================================================================

type readEntry struct {
	found bool
	value []byte
}

type writeEntry struct {
	value   []byte
	deleted bool
}

type scanRecord struct {
	lower, upper []byte
	digest       []byte
}

type kv struct {
	key, value []byte
}

type pebbleTxn struct {
	snap   *pebble.Snapshot
	reads  map[string]readEntry
	writes map[string]writeEntry
	scans  []scanRecord
}

func (tx *pebbleTxn) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if w, ok := tx.writes[k]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return bytes.Clone(w.value), true, nil
	}
	val, found, err := getFrom(tx.snap, key)
	if err != nil {
		return nil, false, err
	}
	if _, seen := tx.reads[k]; !seen {
		tx.reads[k] = readEntry{found: found, value: val}
	}
	return bytes.Clone(val), found, nil
}

func (tx *pebbleTxn) Set(key, value []byte) error {
	tx.writes[string(key)] = writeEntry{value: bytes.Clone(value)}
	return nil
}

func (tx *pebbleTxn) Delete(key []byte) error {
	tx.writes[string(key)] = writeEntry{deleted: true}
	return nil
}

func (tx *pebbleTxn) Insert(key, value []byte) error {
	_, found, err := tx.Get(key)
	if err != nil {
		return err
	}
	if found {
		return ErrKeyExists
	}
	return tx.Set(key, value)
}

// Scan materializes the snapshot range so it can be re-validated at commit,
// then overlays this transaction's own buffered writes.
func (tx *pebbleTxn) Scan(r Range, fn func(key, value []byte) error) error {
	entries, err := collect(tx.snap, Range{Lower: r.Lower, Upper: r.Upper})
	if err != nil {
		return err
	}
	tx.scans = append(tx.scans, scanRecord{
		lower:  bytes.Clone(r.Lower),
		upper:  bytes.Clone(r.Upper),
		digest: digest(entries),
	})

	merged := make(map[string][]byte, len(entries))
	for _, e := range entries {
		merged[string(e.key)] = e.value
	}
	for k, w := range tx.writes {
		if !inRange([]byte(k), r) {
			continue
		}
		if w.deleted {
			delete(merged, k)
		} else {
			merged[k] = w.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if r.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

type viewTxn struct {
	r pebble.Reader
}

func (v *viewTxn) Get(key []byte) ([]byte, bool, error) {
	return getFrom(v.r, key)
}

func (v *viewTxn) Scan(r Range, fn func(key, value []byte) error) error {
	iter, err := v.r.NewIter(&pebble.IterOptions{LowerBound: r.Lower, UpperBound: r.Upper})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var valid bool
	step := iter.Next
	if r.Reverse {
		step = iter.Prev
		valid = iter.Last()
	} else {
		valid = iter.First()
	}
	for ; valid; valid = step() {
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

func (v *viewTxn) Set([]byte, []byte) error    { return ErrReadOnly }
func (v *viewTxn) Delete([]byte) error         { return ErrReadOnly }
func (v *viewTxn) Insert([]byte, []byte) error { return ErrReadOnly }

// ============================================================================
// Helpers
// ============================================================================

func getFrom(r pebble.Reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

func collect(r pebble.Reader, rng Range) ([]kv, error) {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: rng.Lower, UpperBound: rng.Upper})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var out []kv
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, kv{key: bytes.Clone(iter.Key()), value: bytes.Clone(iter.Value())})
	}
	return out, iter.Error()
}

func digest(entries []kv) []byte {
	h := sha3.New256()
	var n [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(n[:], uint64(len(e.key)))
		h.Write(n[:])
		h.Write(e.key)
		binary.BigEndian.PutUint64(n[:], uint64(len(e.value)))
		h.Write(n[:])
		h.Write(e.value)
	}
	return h.Sum(nil)
}

func inRange(key []byte, r Range) bool {
	if r.Lower != nil && bytes.Compare(key, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(key, r.Upper) >= 0 {
		return false
	}
	return true
}
