package resource

import (
	"context"
	"testing"

	"github.com/guildops/guildsync/internal/kvstore"
)

func TestOrphanQueueRoundTrip(t *testing.T) {
	store, err := kvstore.Open(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	q := NewOrphanQueue(nil, store)
	ctx := context.Background()

	if err := q.Enqueue(ctx, KindPlayerRole, "role-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, KindTextChannel, "ch-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Re-enqueueing the same id overwrites in place.
	if err := q.Enqueue(ctx, KindPlayerRole, "role-1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	records, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	for _, record := range records {
		if record.EnqueuedAt.IsZero() {
			t.Errorf("record %s has no enqueue time", record.RemoteID)
		}
	}

	for _, record := range records {
		if err := q.Remove(ctx, record); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	records, err = q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("queue not empty: %+v", records)
	}
}

// A record whose payload was corrupted still surfaces with the identity
// recovered from its key, so the remote id is never lost.
func TestOrphanQueueRecoversMalformedRecord(t *testing.T) {
	store, err := kvstore.Open(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	q := NewOrphanQueue(nil, store)
	ctx := context.Background()

	err = store.Update(func(tx *kvstore.Txn) error {
		return tx.Set("orphans:host_role/role-9", "{not json")
	})
	if err != nil {
		t.Fatal(err)
	}

	records, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].RemoteID != "role-9" || records[0].Kind != KindHostRole {
		t.Fatalf("records = %+v", records)
	}
}
