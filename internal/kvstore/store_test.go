package kvstore

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(nil, "")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetSetDelete(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Txn) error {
		return tx.Set("k", "v")
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	var got string
	err = store.View(func(tx *Txn) error {
		var err error
		got, err = tx.Get("k")
		return err
	})
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v; want v, nil", got, err)
	}

	if err := store.Update(func(tx *Txn) error { return tx.Delete("k") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = store.View(func(tx *Txn) error {
		_, err := tx.Get("k")
		return err
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestSets(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Txn) error {
		if err := tx.AddMember("colors", "red"); err != nil {
			return err
		}
		return tx.AddMember("colors", "blue")
	})
	if err != nil {
		t.Fatalf("add members: %v", err)
	}

	var members []string
	var hasRed, hasGreen bool
	err = store.View(func(tx *Txn) error {
		var err error
		if members, err = tx.Members("colors"); err != nil {
			return err
		}
		if hasRed, err = tx.HasMember("colors", "red"); err != nil {
			return err
		}
		hasGreen, err = tx.HasMember("colors", "green")
		return err
	})
	if err != nil {
		t.Fatalf("read set: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "blue" || members[1] != "red" {
		t.Fatalf("members = %v", members)
	}
	if !hasRed || hasGreen {
		t.Fatalf("hasRed=%v hasGreen=%v", hasRed, hasGreen)
	}

	err = store.Update(func(tx *Txn) error {
		return tx.RemoveMember("colors", "red")
	})
	if err != nil {
		t.Fatalf("remove member: %v", err)
	}
	store.View(func(tx *Txn) error {
		members, _ = tx.Members("colors")
		return nil
	})
	if len(members) != 1 || members[0] != "blue" {
		t.Fatalf("members after remove = %v", members)
	}
}

func TestPrefixScans(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Txn) error {
		for k, v := range map[string]string{"a:1": "x", "a:2": "y", "b:1": "z"} {
			if err := tx.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	store.View(func(tx *Txn) error {
		keys, err := tx.KeysWithPrefix("a:")
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("keys = %v", keys)
		}
		values, err := tx.ValuesWithPrefix("a:")
		if err != nil {
			t.Fatalf("values: %v", err)
		}
		if values["a:1"] != "x" || values["a:2"] != "y" {
			t.Fatalf("values = %v", values)
		}
		return nil
	})
}

// A transaction that read a key another writer changed before commit must
// fail with ErrConflict and leave no partial write.
func TestUpdateConflict(t *testing.T) {
	store := newTestStore(t)
	if err := store.Update(func(tx *Txn) error { return tx.Set("counter", "0") }); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := store.Update(func(tx *Txn) error {
		if _, err := tx.Get("counter"); err != nil {
			return err
		}
		// A competing writer commits between our read and our commit.
		if err := store.Update(func(inner *Txn) error {
			return inner.Set("counter", "1")
		}); err != nil {
			return err
		}
		return tx.Set("counter", "2")
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("update = %v, want ErrConflict", err)
	}

	var got string
	store.View(func(tx *Txn) error {
		got, _ = tx.Get("counter")
		return nil
	})
	if got != "1" {
		t.Fatalf("counter = %q, want 1 (loser must not have written)", got)
	}
}

func TestUpdateRetryResolvesConflict(t *testing.T) {
	store := newTestStore(t)
	if err := store.Update(func(tx *Txn) error { return tx.Set("counter", "0") }); err != nil {
		t.Fatalf("seed: %v", err)
	}

	interfered := false
	err := store.UpdateRetry(context.Background(), func(tx *Txn) error {
		if _, err := tx.Get("counter"); err != nil {
			return err
		}
		if !interfered {
			interfered = true
			if err := store.Update(func(inner *Txn) error {
				return inner.Set("counter", "1")
			}); err != nil {
				return err
			}
		}
		return tx.Set("counter", "2")
	})
	if err != nil {
		t.Fatalf("update retry: %v", err)
	}

	var got string
	store.View(func(tx *Txn) error {
		got, _ = tx.Get("counter")
		return nil
	})
	if got != "2" {
		t.Fatalf("counter = %q, want 2", got)
	}
}

func TestUpdateRetryStopsOnContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.UpdateRetry(ctx, func(tx *Txn) error {
		if _, err := tx.Get("k"); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		cancel()
		if err := store.Update(func(inner *Txn) error {
			return inner.Set("k", "other")
		}); err != nil {
			return err
		}
		return tx.Set("k", "mine")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("update retry = %v, want context.Canceled", err)
	}
}
