package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guildops/guildsync/internal/kvstore"
)

const orphanPrefix = "orphans:"

// Orphan is a remote resource whose compensating deletion has not yet
// succeeded. Records are consumed only by the vacuum pass.
type Orphan struct {
	RemoteID   string    `json:"remote_id"`
	Kind       Kind      `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func orphanKey(kind Kind, remoteID string) string {
	return orphanPrefix + string(kind) + "/" + remoteID
}

// OrphanQueue is a durable compensating-action outbox backed by the KV
// store. Enqueued records survive restarts and are removed only after the
// remote deletion succeeds.
type OrphanQueue struct {
	kv     *kvstore.Store
	logger *slog.Logger
}

// NewOrphanQueue creates the orphan outbox.
func NewOrphanQueue(log *slog.Logger, kv *kvstore.Store) *OrphanQueue {
	if log == nil {
		log = slog.Default()
	}
	return &OrphanQueue{
		kv:     kv,
		logger: log.With(slog.String("service", "orphans")),
	}
}

// Enqueue durably records a failed compensating deletion. Records are
// never dropped silently; re-enqueueing the same id overwrites in place.
func (q *OrphanQueue) Enqueue(ctx context.Context, kind Kind, remoteID string) error {
	record := Orphan{
		RemoteID:   remoteID,
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode orphan %s/%s: %w", kind, remoteID, err)
	}
	err = q.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		return tx.Set(orphanKey(kind, remoteID), string(payload))
	})
	if err != nil {
		return fmt.Errorf("enqueue orphan %s/%s: %w", kind, remoteID, err)
	}
	q.logger.Warn("orphan queued",
		slog.String("kind", string(kind)),
		slog.String("remote_id", remoteID),
	)
	return nil
}

// List returns every queued orphan record.
func (q *OrphanQueue) List(ctx context.Context) ([]Orphan, error) {
	var records []Orphan
	err := q.kv.View(func(tx *kvstore.Txn) error {
		values, err := tx.ValuesWithPrefix(orphanPrefix)
		if err != nil {
			return err
		}
		for key, value := range values {
			var record Orphan
			if err := json.Unmarshal([]byte(value), &record); err != nil {
				// A malformed record is still a real remote id; recover
				// what the key encodes rather than dropping it.
				kind, id, ok := splitOrphanKey(key)
				if !ok {
					return fmt.Errorf("malformed orphan record at %q", key)
				}
				record = Orphan{RemoteID: id, Kind: kind}
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return records, nil
}

// Remove deletes a record after its remote deletion succeeded.
func (q *OrphanQueue) Remove(ctx context.Context, record Orphan) error {
	err := q.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		return tx.Delete(orphanKey(record.Kind, record.RemoteID))
	})
	if err != nil {
		return fmt.Errorf("remove orphan %s/%s: %w", record.Kind, record.RemoteID, err)
	}
	return nil
}

func splitOrphanKey(key string) (Kind, string, bool) {
	rest := strings.TrimPrefix(key, orphanPrefix)
	kind, id, ok := strings.Cut(rest, "/")
	if !ok {
		return "", "", false
	}
	return Kind(kind), id, true
}
