// Package kvstore is the IndexedDB host primitive (spec.md §6.1): a
// transactional key-value store addressed by object-store name and key,
// backed by bbolt (the teacher's own BoltStore, generalized from one fixed
// schema of cluster-state buckets to an arbitrary caller-declared
// object-store set).
//
// Unlike a browser's IndexedDB, bbolt allows only one writable transaction
// process-wide at a time; Batch serializes writers through that
// constraint, retrying once on transient contention rather than failing
// outright.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/sqlite3vfs/idb/internal/log"
	"github.com/sqlite3vfs/idb/internal/metrics"
)

// ErrNotFound is returned by Get/GetAll/GetRange/GetKeys when the object
// store or key does not exist, translated by the Facade to
// sqlite3.NOTFOUND.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the transactional KV host primitive. The zero value is not
// usable; construct with Open.
type Store struct {
	db  *bolt.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every name in objectStores exists as a top-level bucket.
func Open(path string, objectStores []string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range objectStores {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create object store %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.WithComponent("kvstore")}, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) observe(op string, err error) {
	metrics.KVStoreOperationsTotal.WithLabelValues(op).Inc()
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.KVStoreErrorsTotal.WithLabelValues(op).Inc()
		s.log.Error().Err(err).Str("op", op).Msg("kvstore operation failed")
	}
}

// Get reads one key from an object store. Returns ErrNotFound if either
// the store or the key is absent.
func (s *Store) Get(store, key string) (value []byte, err error) {
	defer func() { s.observe("get", err) }()
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// Entry is one (key, value) pair, used by GetAll/GetRange.
type Entry struct {
	Key   []byte
	Value []byte
}

// GetAll returns every entry in an object store in key order.
func (s *Store) GetAll(store string) (entries []Entry, err error) {
	defer func() { s.observe("get_all", err) }()
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return ErrNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			entries = append(entries, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
			return nil
		})
	})
	return entries, err
}

// GetRange returns every entry in store whose key is >= lower, in key
// order, stopping before upper if upper is non-nil. This backs the
// batch-atomic store's "find the most recent transaction record" (an
// ascending scan whose highest key wins) and "fetch tx records >= viewTx"
// operations (spec.md §4.3).
func (s *Store) GetRange(store string, lower, upper []byte) (entries []Entry, err error) {
	defer func() { s.observe("get_range", err) }()
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		for k, v := c.Seek(lower); k != nil; k, v = c.Next() {
			if upper != nil && string(k) >= string(upper) {
				break
			}
			entries = append(entries, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return entries, err
}

// GetKeys returns every key in an object store, in order, without reading
// values. Used by garbage collection (obsolete tx records), where the
// value is irrelevant.
func (s *Store) GetKeys(store string) (keys [][]byte, err error) {
	defer func() { s.observe("get_keys", err) }()
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return ErrNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	return keys, err
}

// Write is one object-store mutation within a Batch call: a nil Value
// deletes Key, anything else stores it.
type Write struct {
	Store string
	Key   []byte
	Value []byte
}

// Batch applies writes atomically: either every write commits or none do
// (spec.md §4.3's batch-atomic commit requirement). Transient bbolt
// contention (another writer holding the file lock) is retried once after
// a short backoff; anything else is returned immediately.
func (s *Store) Batch(ctx context.Context, writes []Write) error {
	timer := metrics.NewTimer("batch")
	var err error
	defer func() {
		timer.ObserveTxDuration()
		s.observe("batch", err)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	err = backoff.Retry(func() error {
		e := s.apply(writes)
		if e == nil {
			return nil
		}
		if errors.Is(e, bolt.ErrTimeout) || errors.Is(e, bolt.ErrDatabaseNotOpen) {
			return e
		}
		return backoff.Permanent(e)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx))
	return err
}

func (s *Store) apply(writes []Write) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, w := range writes {
			b := tx.Bucket([]byte(w.Store))
			if b == nil {
				return fmt.Errorf("kvstore: unknown object store %q", w.Store)
			}
			if w.Value == nil {
				if err := b.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every key from an object store.
func (s *Store) Clear(store string) error {
	var err error
	defer func() { s.observe("clear", err) }()
	err = s.db.Update(func(tx *bolt.Tx) error {
		if derr := tx.DeleteBucket([]byte(store)); derr != nil && derr != bolt.ErrBucketNotFound {
			return derr
		}
		_, cerr := tx.CreateBucket([]byte(store))
		return cerr
	})
	return err
}
