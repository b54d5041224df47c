package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/kvstore"
)

// existenceCacheTTL bounds how long a positive existence check is trusted
// before asking the platform again. Vacuum repairs anything this hides.
const existenceCacheTTL = 5 * time.Minute

// Reconciler implements idempotent create-or-adopt of chat-platform
// resources. Remote calls always complete before the store transaction
// that records their result; a remote failure never touches the store.
type Reconciler struct {
	kv      *kvstore.Store
	chat    chat.Client
	orphans *OrphanQueue
	logger  *slog.Logger

	mu       sync.Mutex
	verified map[string]time.Time
}

// NewReconciler creates a resource reconciler.
func NewReconciler(log *slog.Logger, kv *kvstore.Store, chatClient chat.Client, orphans *OrphanQueue) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		kv:       kv,
		chat:     chatClient,
		orphans:  orphans,
		logger:   log.With(slog.String("service", "reconciler")),
		verified: make(map[string]time.Time),
	}
}

// Ensure returns the committed remote id for (owner, kind), creating and
// committing a resource if none exists. Exactly one id ends up committed
// even under concurrent calls; a superfluous creation is deleted remotely
// or queued as an orphan, never dropped. A committed id that keeps failing
// remote verification is repaired once; a second failure returns
// ErrMappingCorrupt.
func (r *Reconciler) Ensure(ctx context.Context, owner string, kind Kind, desc Descriptor) (string, error) {
	for restarts := 0; ; restarts++ {
		committed, err := r.committedID(owner, kind)
		if err != nil {
			return "", err
		}
		if committed != "" {
			exists, err := r.exists(ctx, kind, committed)
			if err != nil {
				return "", err
			}
			if exists {
				return committed, nil
			}
		}

		// The remote create completes before any store write. Its result
		// feeds the conditional commit below.
		created, err := r.create(ctx, kind, desc)
		if err != nil {
			return "", err
		}

		winner, err := r.commit(ctx, owner, kind, created)
		if err != nil {
			return "", err
		}

		if winner == created {
			r.markVerified(created)
			r.logger.Info("resource committed",
				slog.String("owner", owner),
				slog.String("kind", string(kind)),
				slog.String("remote_id", winner),
			)
			return winner, nil
		}

		// Another writer committed first; our creation is superfluous.
		if err := r.deleteRemote(ctx, kind, created); err != nil {
			if enqErr := r.orphans.Enqueue(ctx, kind, created); enqErr != nil {
				return "", errors.Join(err, enqErr)
			}
		}

		exists, err := r.exists(ctx, kind, winner)
		if err != nil {
			return "", err
		}
		if exists {
			return winner, nil
		}

		// The stored id failed verification a second time: strip the stale
		// keys, guarded by the committed id still being the one we saw.
		if err := r.stripStale(ctx, owner, kind, winner); err != nil {
			return "", err
		}
		if restarts >= 1 {
			return "", fmt.Errorf("%w: owner=%s kind=%s", ErrMappingCorrupt, owner, kind)
		}
	}
}

// SyncPermissions re-applies a fixed allow/deny rule set to a channel.
// It is additive only: overwrites it did not add are never removed.
func (r *Reconciler) SyncPermissions(ctx context.Context, channelID string, rules []chat.PermissionOverwrite) error {
	for _, rule := range rules {
		if err := r.chat.ApplyPermissionOverwrite(ctx, channelID, rule); err != nil {
			return fmt.Errorf("sync permissions on %s: %w", channelID, err)
		}
	}
	return nil
}

// SyncMembership grants roleID to every target chat user lacking it,
// excluding members of excludeSet. Exclusion is one-way-sticky: a manually
// removed user stays excluded until explicitly restored.
func (r *Reconciler) SyncMembership(ctx context.Context, roleID string, targets []string, excludeSet string) error {
	var excluded []string
	err := r.kv.View(func(tx *kvstore.Txn) error {
		members, err := tx.Members(excludeSet)
		if err != nil {
			return err
		}
		excluded = members
		return nil
	})
	if err != nil {
		return fmt.Errorf("read exclusions for role %s: %w", roleID, err)
	}

	holders, err := r.chat.MembersWithRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("list holders of role %s: %w", roleID, err)
	}

	for _, target := range targets {
		if slices.Contains(holders, target) || slices.Contains(excluded, target) {
			continue
		}
		if err := r.chat.AddRole(ctx, target, roleID); err != nil {
			return fmt.Errorf("grant role %s to %s: %w", roleID, target, err)
		}
		r.logger.Debug("role granted",
			slog.String("role", roleID),
			slog.String("user", target),
		)
	}
	return nil
}

func (r *Reconciler) committedID(owner string, kind Kind) (string, error) {
	var id string
	err := r.kv.View(func(tx *kvstore.Txn) error {
		val, err := tx.Get(ForwardKey(owner, kind))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		id = val
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read committed id for %s/%s: %w", owner, kind, err)
	}
	return id, nil
}

// commit records created as the committed id for (owner, kind) unless
// another writer already committed one, in which case that id is returned.
func (r *Reconciler) commit(ctx context.Context, owner string, kind Kind, created string) (string, error) {
	var winner string
	err := r.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		current, err := tx.Get(ForwardKey(owner, kind))
		if err == nil {
			winner = current
			return nil
		}
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			return err
		}
		if err := tx.Set(ForwardKey(owner, kind), created); err != nil {
			return err
		}
		if err := tx.Set(ReverseKey(created), ReverseValue(owner, kind)); err != nil {
			return err
		}
		if err := tx.AddMember(KindSet(kind), created); err != nil {
			return err
		}
		winner = created
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("commit resource %s/%s: %w", owner, kind, err)
	}
	return winner, nil
}

// stripStale deletes the local keys for a committed id that no longer
// exists remotely, guarded against racing a concurrent reconciliation.
func (r *Reconciler) stripStale(ctx context.Context, owner string, kind Kind, staleID string) error {
	err := r.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		current, err := tx.Get(ForwardKey(owner, kind))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if current != staleID {
			return nil
		}
		if err := tx.Delete(ForwardKey(owner, kind)); err != nil {
			return err
		}
		if err := tx.Delete(ReverseKey(staleID)); err != nil {
			return err
		}
		return tx.RemoveMember(KindSet(kind), staleID)
	})
	if err != nil {
		return fmt.Errorf("strip stale mapping %s/%s: %w", owner, kind, err)
	}
	r.logger.Warn("stale resource mapping stripped",
		slog.String("owner", owner),
		slog.String("kind", string(kind)),
		slog.String("remote_id", staleID),
	)
	return nil
}

func (r *Reconciler) create(ctx context.Context, kind Kind, desc Descriptor) (string, error) {
	switch kind.ResourceType() {
	case chat.ResourceRole:
		id, err := r.chat.CreateRole(ctx, chat.RoleDescriptor{
			Name:        desc.Name,
			Color:       desc.Color,
			Mentionable: desc.Mentionable,
		})
		if err != nil {
			return "", fmt.Errorf("create %s: %w", kind, err)
		}
		return id, nil
	default:
		id, err := r.chat.CreateChannel(ctx, chat.ChannelDescriptor{
			Name:     desc.Name,
			Topic:    desc.Topic,
			ParentID: desc.ParentID,
			Voice:    kind == KindVoiceChannel,
		})
		if err != nil {
			return "", fmt.Errorf("create %s: %w", kind, err)
		}
		return id, nil
	}
}

func (r *Reconciler) deleteRemote(ctx context.Context, kind Kind, id string) error {
	var err error
	if kind.ResourceType() == chat.ResourceRole {
		err = r.chat.DeleteRole(ctx, id)
	} else {
		err = r.chat.DeleteChannel(ctx, id)
	}
	if errors.Is(err, chat.ErrNotFound) {
		return nil
	}
	return err
}

// exists verifies remote existence, trusting a recent positive check
// before asking the platform.
func (r *Reconciler) exists(ctx context.Context, kind Kind, id string) (bool, error) {
	r.mu.Lock()
	checkedAt, ok := r.verified[id]
	r.mu.Unlock()
	if ok && time.Since(checkedAt) < existenceCacheTTL {
		return true, nil
	}

	exists, err := r.chat.ResourceExists(ctx, kind.ResourceType(), id)
	if err != nil {
		return false, fmt.Errorf("verify %s %s: %w", kind, id, err)
	}
	if exists {
		r.markVerified(id)
	} else {
		r.mu.Lock()
		delete(r.verified, id)
		r.mu.Unlock()
	}
	return exists, nil
}

func (r *Reconciler) markVerified(id string) {
	r.mu.Lock()
	r.verified[id] = time.Now()
	r.mu.Unlock()
}
