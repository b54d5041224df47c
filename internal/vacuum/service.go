// Package vacuum implements the periodic repair pass: it drains the orphan
// outbox and strips local mappings whose remote resource disappeared. The
// pass is idempotent, safe to run concurrently with reconciliation, and
// safe to interrupt, because every corrective step is one conditional
// multi-key transaction.
package vacuum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/kvstore"
	"github.com/guildops/guildsync/internal/resource"
)

// Service is the vacuum/garbage-collection pass.
type Service struct {
	kv      *kvstore.Store
	chat    chat.Client
	orphans *resource.OrphanQueue
	logger  *slog.Logger
}

// NewService creates the vacuum service.
func NewService(log *slog.Logger, kv *kvstore.Store, chatClient chat.Client, orphans *resource.OrphanQueue) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		kv:      kv,
		chat:    chatClient,
		orphans: orphans,
		logger:  log.With(slog.String("service", "vacuum")),
	}
}

// candidate is a remote id the store references somewhere, with whatever
// owner information the referencing index carried.
type candidate struct {
	kind  resource.Kind
	owner string // "" when only a kind set referenced the id
}

// Run executes one vacuum pass. Per-item failures are logged and skipped;
// the aggregate error only informs the caller's backoff.
func (s *Service) Run(ctx context.Context) error {
	var failed, total int

	drainFailed, drainTotal := s.drainOrphans(ctx)
	failed += drainFailed
	total += drainTotal

	candidates, err := s.collectCandidates()
	if err != nil {
		return fmt.Errorf("vacuum: collect candidates: %w", err)
	}

	for id, cand := range candidates {
		total++
		if err := s.repairCandidate(ctx, id, cand); err != nil {
			failed++
			s.logger.Warn("vacuum item failed",
				slog.String("remote_id", id),
				slog.String("kind", string(cand.kind)),
				slog.Any("error", err),
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("vacuum: %d of %d items failed", failed, total)
	}
	s.logger.Debug("vacuum pass complete", slog.Int("items", total))
	return nil
}

// drainOrphans attempts the compensating deletion for every queued orphan.
// Records leave the queue only on success; a failed deletion stays queued
// for the next pass and is not a pass failure by itself, but it does count
// toward the backoff signal.
func (s *Service) drainOrphans(ctx context.Context) (failed, total int) {
	records, err := s.orphans.List(ctx)
	if err != nil {
		s.logger.Warn("orphan drain skipped", slog.Any("error", err))
		return 1, 1
	}
	for _, record := range records {
		total++
		if err := s.deleteRemote(ctx, record.Kind, record.RemoteID); err != nil {
			failed++
			s.logger.Warn("orphan deletion failed, keeping queued",
				slog.String("remote_id", record.RemoteID),
				slog.String("kind", string(record.Kind)),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.orphans.Remove(ctx, record); err != nil {
			failed++
			s.logger.Warn("orphan dequeue failed", slog.Any("error", err))
			continue
		}
		s.logger.Info("orphan deleted",
			slog.String("remote_id", record.RemoteID),
			slog.String("kind", string(record.Kind)),
		)
	}
	return failed, total
}

// collectCandidates unions every index that could reference a remote id:
// the canonical kind sets, the per-owner forward pointers, and the
// per-resource reverse pointers. A partially written reconciliation can
// therefore never hide a leak.
func (s *Service) collectCandidates() (map[string]candidate, error) {
	candidates := make(map[string]candidate)
	err := s.kv.View(func(tx *kvstore.Txn) error {
		for _, kind := range resource.Kinds {
			members, err := tx.Members(resource.KindSet(kind))
			if err != nil {
				return err
			}
			for _, id := range members {
				if _, ok := candidates[id]; !ok {
					candidates[id] = candidate{kind: kind}
				}
			}
		}

		forward, err := tx.ValuesWithPrefix(resource.ForwardPrefix)
		if err != nil {
			return err
		}
		for key, id := range forward {
			owner, kind, ok := splitForwardKey(key)
			if !ok {
				continue
			}
			candidates[id] = candidate{kind: kind, owner: owner}
		}

		reverse, err := tx.ValuesWithPrefix(resource.ReversePrefix)
		if err != nil {
			return err
		}
		for key, value := range reverse {
			id := strings.TrimPrefix(key, resource.ReversePrefix)
			owner, kind, err := resource.ParseReverse(value)
			if err != nil {
				s.logger.Warn("malformed reverse index entry", slog.String("key", key))
				continue
			}
			candidates[id] = candidate{kind: kind, owner: owner}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// repairCandidate strips all local references to id if the remote resource
// is gone. The forward pointer is only deleted while it still matches id,
// so a concurrent reconciliation that committed a fresh resource is never
// clobbered.
func (s *Service) repairCandidate(ctx context.Context, id string, cand candidate) error {
	exists, err := s.chat.ResourceExists(ctx, cand.kind.ResourceType(), id)
	if err != nil {
		return fmt.Errorf("verify %s: %w", id, err)
	}
	if exists {
		return nil
	}

	err = s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		owner := cand.owner
		if owner == "" {
			// Only a kind set referenced this id; the reverse index may
			// still know the owner.
			if value, err := tx.Get(resource.ReverseKey(id)); err == nil {
				if parsedOwner, _, parseErr := resource.ParseReverse(value); parseErr == nil {
					owner = parsedOwner
				}
			} else if !errors.Is(err, kvstore.ErrKeyNotFound) {
				return err
			}
		}
		if owner != "" {
			current, err := tx.Get(resource.ForwardKey(owner, cand.kind))
			if err == nil && current == id {
				if err := tx.Delete(resource.ForwardKey(owner, cand.kind)); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
				return err
			}
		}
		if err := tx.Delete(resource.ReverseKey(id)); err != nil {
			return err
		}
		return tx.RemoveMember(resource.KindSet(cand.kind), id)
	})
	if err != nil {
		return fmt.Errorf("strip references to %s: %w", id, err)
	}

	s.logger.Info("vacuumed vanished resource",
		slog.String("remote_id", id),
		slog.String("kind", string(cand.kind)),
		slog.String("owner", cand.owner),
	)
	return nil
}

func (s *Service) deleteRemote(ctx context.Context, kind resource.Kind, id string) error {
	var err error
	if kind.ResourceType() == chat.ResourceRole {
		err = s.chat.DeleteRole(ctx, id)
	} else {
		err = s.chat.DeleteChannel(ctx, id)
	}
	if errors.Is(err, chat.ErrNotFound) {
		// Already gone remotely counts as a successful compensation.
		return nil
	}
	return err
}

func splitForwardKey(key string) (owner string, kind resource.Kind, ok bool) {
	rest := strings.TrimPrefix(key, resource.ForwardPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], resource.Kind(rest[idx+1:]), true
}
