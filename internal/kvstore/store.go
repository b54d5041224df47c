// Package kvstore provides the key-value store backing identity links,
// managed-resource mappings, and channel lifecycle flags. It is built on
// badger, whose serializable transactions give the conditional multi-key
// write semantics the reconciliation paths rely on: every read inside a
// transaction is watched, and commit fails with ErrConflict when a watched
// key changed since it was read.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Errors returned by store operations.
var (
	ErrKeyNotFound = errors.New("kvstore: key not found")
	ErrConflict    = errors.New("kvstore: transaction conflict")
	ErrUnavailable = errors.New("kvstore: store unavailable")
)

// memberSep separates a set key from a member in the underlying keyspace.
const memberSep = "/"

// Store wraps a badger database with string-typed transactional helpers.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens a badger-backed store at dataDir. An empty dataDir runs fully
// in-memory, which is what tests use.
func Open(log *slog.Logger, dataDir string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "kvstore"))

	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dataDir)
	}
	opts = opts.
		WithLogger(newBadgerLogger(log)).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dataDir, err)
	}
	return &Store{db: db, logger: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Txn is a single optimistic transaction. All keys read through it are
// watched; Commit fails with ErrConflict if any of them changed.
type Txn struct {
	tx *badger.Txn
}

// Get returns the value stored at key, or ErrKeyNotFound.
func (t *Txn) Get(key string) (string, error) {
	item, err := t.tx.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", key, err)
	}
	return string(val), nil
}

// Set stores value at key.
func (t *Txn) Set(key, value string) error {
	return t.tx.Set([]byte(key), []byte(value))
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Txn) Delete(key string) error {
	return t.tx.Delete([]byte(key))
}

// AddMember adds member to the named set.
func (t *Txn) AddMember(set, member string) error {
	return t.tx.Set([]byte(set+memberSep+member), []byte("1"))
}

// RemoveMember removes member from the named set. Missing members are legal.
func (t *Txn) RemoveMember(set, member string) error {
	return t.tx.Delete([]byte(set + memberSep + member))
}

// HasMember reports whether member is in the named set.
func (t *Txn) HasMember(set, member string) (bool, error) {
	_, err := t.tx.Get([]byte(set + memberSep + member))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check member %q of %q: %w", member, set, err)
	}
	return true, nil
}

// Members returns every member of the named set.
func (t *Txn) Members(set string) ([]string, error) {
	prefix := set + memberSep
	keys, err := t.KeysWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(keys))
	for _, key := range keys {
		members = append(members, strings.TrimPrefix(key, prefix))
	}
	return members, nil
}

// KeysWithPrefix returns every key starting with prefix.
func (t *Txn) KeysWithPrefix(prefix string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := t.tx.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys, nil
}

// ValuesWithPrefix returns key->value for every key starting with prefix.
func (t *Txn) ValuesWithPrefix(prefix string) (map[string]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.tx.NewIterator(opts)
	defer it.Close()

	values := make(map[string]string)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", string(item.KeyCopy(nil)), err)
		}
		values[string(item.KeyCopy(nil))] = string(val)
	}
	return values, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Txn) error) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	return s.db.View(func(tx *badger.Txn) error {
		return fn(&Txn{tx: tx})
	})
}

// Update runs fn in a single read-write transaction attempt. A commit that
// lost a race returns ErrConflict with no mutation applied; callers choose
// their own retry policy.
func (s *Store) Update(fn func(*Txn) error) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	tx := s.db.NewTransaction(true)
	defer tx.Discard()
	if err := fn(&Txn{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateRetry runs fn via Update, retrying the whole read-decide-write
// cycle on conflict until it commits or ctx is done. Store-internal races
// are the only way to conflict here, so the retry is unbounded.
func (s *Store) UpdateRetry(ctx context.Context, fn func(*Txn) error) error {
	for {
		err := s.Update(fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
