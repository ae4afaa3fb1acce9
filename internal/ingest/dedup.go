package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrDeduperClosed indicates the deduper has been closed.
var ErrDeduperClosed = errors.New("deduper is closed")

// Deduper records offer hashes for a bounded time window. SetIfAbsent is
// the only mutation: it must be atomic so that two goroutines presenting
// the same hash cannot both observe it as new.
type Deduper interface {
	// SetIfAbsent stores the hash if it is not already present and not
	// expired. Returns true when the hash was stored (first sighting).
	SetIfAbsent(ctx context.Context, hash string, ttl time.Duration) (bool, error)

	// Close releases resources.
	Close() error
}

// MemoryDeduper is an in-memory Deduper. Entries are lost on restart, so
// it suits tests and single-run tooling rather than the worker.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	closed  bool
	now     func() time.Time
}

// NewMemoryDeduper creates an empty in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetIfAbsent stores the hash unless a live entry already exists.
func (d *MemoryDeduper) SetIfAbsent(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrDeduperClosed
	}

	now := d.now()
	if expiresAt, ok := d.entries[hash]; ok && now.Before(expiresAt) {
		return false, nil
	}
	d.entries[hash] = now.Add(ttl)
	return true, nil
}

// Close closes the deduper.
func (d *MemoryDeduper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.entries = nil
	return nil
}

// BadgerDeduper is a BadgerDB-backed Deduper that survives restarts.
// Expiry rides on Badger's native entry TTL.
type BadgerDeduper struct {
	db     *badger.DB
	prefix []byte

	mu     sync.RWMutex
	closed bool
}

// NewBadgerDeduper creates a deduper on top of a shared Badger instance.
func NewBadgerDeduper(db *badger.DB, prefix string) *BadgerDeduper {
	if prefix == "" {
		prefix = "offer:"
	}
	return &BadgerDeduper{db: db, prefix: []byte(prefix)}
}

func (d *BadgerDeduper) makeKey(hash string) []byte {
	return append(append([]byte{}, d.prefix...), []byte(hash)...)
}

// SetIfAbsent stores the hash unless a live entry already exists. The
// check and the write share one Badger update transaction.
func (d *BadgerDeduper) SetIfAbsent(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return false, ErrDeduperClosed
	}
	d.mu.RUnlock()

	key := d.makeKey(hash)
	stored := false

	err := d.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry(key, []byte{1}).WithTTL(ttl)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent writer committed the same key first; for the
		// caller that is just a duplicate.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Close marks the deduper closed. The underlying DB is shared and stays
// open; its owner closes it.
func (d *BadgerDeduper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
