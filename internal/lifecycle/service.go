// Package lifecycle drives the time-based channel lifecycle: expiration
// recompute, explicit deletion scheduling, deduplicated reminders, and the
// sweep that performs due deletions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/kvstore"
	"github.com/guildops/guildsync/internal/resource"
)

// SeriesSource resolves the series owning a channel, for expiration
// recompute and reminder pacing, and records that a series' channel is
// gone so recurring syncs stop resurrecting it.
type SeriesSource interface {
	ChannelSeries(ctx context.Context, channelID string) (SeriesInfo, error)
	ArchiveSeries(ctx context.Context, seriesID string) error
}

// Service manages channel lifecycle state.
type Service struct {
	kv      *kvstore.Store
	chat    chat.Client
	orphans *resource.OrphanQueue
	source  SeriesSource
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the lifecycle service.
func NewService(log *slog.Logger, kv *kvstore.Store, chatClient chat.Client, orphans *resource.OrphanQueue, source SeriesSource) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		kv:      kv,
		chat:    chatClient,
		orphans: orphans,
		source:  source,
		logger:  log.With(slog.String("service", "lifecycle")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot reads the stored lifecycle state of a channel. A channel with
// no stored keys returns a zero snapshot, which derives StateActive.
func (s *Service) Snapshot(ctx context.Context, channelID string) (Snapshot, error) {
	var snap Snapshot
	err := s.kv.View(func(tx *kvstore.Txn) error {
		var err error
		snap, err = readSnapshot(tx, channelID)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("lifecycle snapshot for %s: %w", channelID, err)
	}
	return snap, nil
}

// StateOf derives the current lifecycle state of a channel.
func (s *Service) StateOf(ctx context.Context, channelID string) (State, error) {
	snap, err := s.Snapshot(ctx, channelID)
	if err != nil {
		return "", err
	}
	return snap.StateAt(s.now()), nil
}

// Recompute recalculates the channel's expiration from its series' latest
// event end plus the kind-dependent grace period. With upcoming events the
// expiration only ever moves later; once no upcoming event remains, the
// recompute may shorten it, collapsing to "now" for a series without
// events. A recompute that lands the expiration back in the future clears
// any scheduled deletion and the reminder clock.
func (s *Service) Recompute(ctx context.Context, channelID string) error {
	info, err := s.source.ChannelSeries(ctx, channelID)
	if err != nil {
		return fmt.Errorf("recompute lifecycle for %s: %w", channelID, err)
	}

	now := s.now()
	computed := now
	if !info.LatestEventEnd.IsZero() {
		computed = info.LatestEventEnd.Add(info.Kind.GracePeriod())
	}

	err = s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		snap, err := readSnapshot(tx, channelID)
		if err != nil {
			return err
		}

		expiration := computed
		if info.HasUpcoming && snap.ExpirationTime.After(expiration) {
			expiration = snap.ExpirationTime
		}
		if err := tx.Set(expirationKey(channelID), formatTime(expiration)); err != nil {
			return err
		}

		if !snap.DeletionTime.IsZero() && expiration.After(now) {
			if err := tx.Delete(deletionKey(channelID)); err != nil {
				return err
			}
			if err := tx.Delete(reminderKey(channelID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recompute lifecycle for %s: %w", channelID, err)
	}
	return nil
}

// ScheduleDeletion marks an expired channel for deletion now. It rejects
// channels that have not expired and channels already marked.
func (s *Service) ScheduleDeletion(ctx context.Context, channelID string) error {
	now := s.now()
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		snap, err := readSnapshot(tx, channelID)
		if err != nil {
			return err
		}
		switch snap.StateAt(now) {
		case StateScheduledForDeletion:
			return ErrAlreadyScheduled
		case StateActive, StateExpiring:
			return ErrNotExpired
		}
		return tx.Set(deletionKey(channelID), formatTime(now))
	})
	if err != nil {
		return fmt.Errorf("schedule deletion of %s: %w", channelID, err)
	}
	s.logger.Info("deletion scheduled", slog.String("channel", channelID))
	return nil
}

// PostponeDeletion moves a scheduled deletion later. Deletion times are
// monotonic: moving one earlier is rejected.
func (s *Service) PostponeDeletion(ctx context.Context, channelID string, until time.Time) error {
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		snap, err := readSnapshot(tx, channelID)
		if err != nil {
			return err
		}
		if snap.DeletionTime.IsZero() {
			return ErrNotScheduled
		}
		if !until.After(snap.DeletionTime) {
			return ErrDeletionEarlier
		}
		return tx.Set(deletionKey(channelID), formatTime(until))
	})
	if err != nil {
		return fmt.Errorf("postpone deletion of %s: %w", channelID, err)
	}
	return nil
}

// Snooze suppresses reminders for the channel until the given time.
func (s *Service) Snooze(ctx context.Context, channelID string, until time.Time) error {
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		return tx.Set(snoozeKey(channelID), formatTime(until))
	})
	if err != nil {
		return fmt.Errorf("snooze %s: %w", channelID, err)
	}
	return nil
}

// MarkRemoved records a manual removal. Membership sync will not re-grant
// the user's role until Restore is called.
func (s *Service) MarkRemoved(ctx context.Context, channelID, userID string, host bool) error {
	set := RemovedUsersSet(channelID)
	if host {
		set = RemovedHostsSet(channelID)
	}
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		return tx.AddMember(set, userID)
	})
	if err != nil {
		return fmt.Errorf("mark %s removed from %s: %w", userID, channelID, err)
	}
	return nil
}

// Restore lifts a manual removal, making the user eligible for membership
// sync again.
func (s *Service) Restore(ctx context.Context, channelID, userID string, host bool) error {
	set := RemovedUsersSet(channelID)
	if host {
		set = RemovedHostsSet(channelID)
	}
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		return tx.RemoveMember(set, userID)
	})
	if err != nil {
		return fmt.Errorf("restore %s to %s: %w", userID, channelID, err)
	}
	return nil
}

// Sweep runs one scheduler tick over every channel with lifecycle state:
// due reminders are emitted and due deletions performed. Per-channel
// failures are logged and skipped; the aggregate error informs backoff.
func (s *Service) Sweep(ctx context.Context) error {
	channels, err := s.trackedChannels()
	if err != nil {
		return fmt.Errorf("lifecycle sweep: %w", err)
	}

	var failed int
	now := s.now()
	for _, channelID := range channels {
		snap, err := s.Snapshot(ctx, channelID)
		if err != nil {
			failed++
			s.logger.Warn("sweep: snapshot failed", slog.String("channel", channelID), slog.Any("error", err))
			continue
		}
		switch snap.StateAt(now) {
		case StateExpired:
			if err := s.maybeRemind(ctx, channelID, snap, now); err != nil {
				failed++
				s.logger.Warn("sweep: reminder failed", slog.String("channel", channelID), slog.Any("error", err))
			}
		case StateScheduledForDeletion:
			if now.Before(snap.DeletionTime) {
				continue
			}
			if err := s.deleteChannel(ctx, channelID); err != nil {
				failed++
				s.logger.Warn("sweep: deletion failed", slog.String("channel", channelID), slog.Any("error", err))
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("lifecycle sweep: %d of %d channels failed", failed, len(channels))
	}
	return nil
}

// maybeRemind emits at most one reminder per kind-dependent interval. The
// reminder clock is claimed in a conditional write before the message is
// sent, so concurrent sweeps never double-send; a send failure after a
// successful claim is only logged.
func (s *Service) maybeRemind(ctx context.Context, channelID string, snap Snapshot, now time.Time) error {
	if !snap.SnoozeUntil.IsZero() && now.Before(snap.SnoozeUntil) {
		return nil
	}

	info, err := s.source.ChannelSeries(ctx, channelID)
	if err != nil {
		return err
	}
	if !snap.LastReminderTime.IsZero() && now.Sub(snap.LastReminderTime) < info.Kind.ReminderInterval() {
		return nil
	}

	claimed := false
	err = s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		claimed = false
		current, err := readSnapshot(tx, channelID)
		if err != nil {
			return err
		}
		// Another sweep may have reminded, snoozed, or scheduled deletion
		// since our snapshot.
		if !current.LastReminderTime.Equal(snap.LastReminderTime) || !current.DeletionTime.IsZero() {
			return nil
		}
		if err := tx.Set(reminderKey(channelID), formatTime(now)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	message := "This adventure looks wrapped up. Schedule another session to keep the channel, or ask a moderator to end it."
	if err := s.chat.SendMessage(ctx, channelID, message); err != nil {
		s.logger.Warn("reminder send failed",
			slog.String("channel", channelID),
			slog.Any("error", err),
		)
		return nil
	}
	s.logger.Info("expiration reminder sent", slog.String("channel", channelID))
	return nil
}

// deleteChannel performs a due deletion: the channel is deleted remotely
// unless it is already gone, the associated voice channel and roles are
// deleted best-effort with failures queued as orphans, and every local key
// referencing the channel is cleared.
func (s *Service) deleteChannel(ctx context.Context, channelID string) error {
	exists, err := s.chat.ResourceExists(ctx, chat.ResourceChannel, channelID)
	if err != nil {
		return fmt.Errorf("pre-deletion check for %s: %w", channelID, err)
	}
	if exists {
		if err := s.chat.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, chat.ErrNotFound) {
			return fmt.Errorf("delete channel %s: %w", channelID, err)
		}
		s.logger.Info("channel deleted", slog.String("channel", channelID))
	} else {
		s.logger.Info("channel already deleted remotely", slog.String("channel", channelID))
	}

	owner, associated, err := s.associatedResources(channelID)
	if err != nil {
		return err
	}
	deleted := map[resource.Kind]string{resource.KindTextChannel: channelID}
	for kind, id := range associated {
		if err := s.deleteRemote(ctx, kind, id); err != nil {
			if enqErr := s.orphans.Enqueue(ctx, kind, id); enqErr != nil {
				return fmt.Errorf("orphan %s %s: %w", kind, id, enqErr)
			}
		}
		deleted[kind] = id
	}

	err = s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		keys, err := tx.KeysWithPrefix(keyPrefix + channelID + ":")
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		if owner == "" {
			return nil
		}
		for kind, id := range deleted {
			current, err := tx.Get(resource.ForwardKey(owner, kind))
			if err == nil && current == id {
				if err := tx.Delete(resource.ForwardKey(owner, kind)); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
				return err
			}
			if err := tx.Delete(resource.ReverseKey(id)); err != nil {
				return err
			}
			if err := tx.RemoveMember(resource.KindSet(kind), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear lifecycle state for %s: %w", channelID, err)
	}

	if owner != "" {
		if err := s.source.ArchiveSeries(ctx, owner); err != nil {
			s.logger.Warn("archive after deletion failed",
				slog.String("channel", channelID),
				slog.String("series", owner),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// associatedResources resolves the channel's owner and its sibling
// resources (voice channel and roles) from the committed mappings.
func (s *Service) associatedResources(channelID string) (string, map[resource.Kind]string, error) {
	var owner string
	associated := make(map[resource.Kind]string)
	err := s.kv.View(func(tx *kvstore.Txn) error {
		value, err := tx.Get(resource.ReverseKey(channelID))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		parsedOwner, _, err := resource.ParseReverse(value)
		if err != nil {
			return err
		}
		owner = parsedOwner
		for _, kind := range []resource.Kind{resource.KindVoiceChannel, resource.KindPlayerRole, resource.KindHostRole} {
			id, err := tx.Get(resource.ForwardKey(owner, kind))
			if err != nil {
				if errors.Is(err, kvstore.ErrKeyNotFound) {
					continue
				}
				return err
			}
			associated[kind] = id
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("resolve resources of %s: %w", channelID, err)
	}
	return owner, associated, nil
}

func (s *Service) deleteRemote(ctx context.Context, kind resource.Kind, id string) error {
	var err error
	if kind.ResourceType() == chat.ResourceRole {
		err = s.chat.DeleteRole(ctx, id)
	} else {
		err = s.chat.DeleteChannel(ctx, id)
	}
	if errors.Is(err, chat.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) trackedChannels() ([]string, error) {
	seen := make(map[string]bool)
	var channels []string
	err := s.kv.View(func(tx *kvstore.Txn) error {
		keys, err := tx.KeysWithPrefix(keyPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			channelID := channelFromKey(key)
			if channelID != "" && !seen[channelID] {
				seen[channelID] = true
				channels = append(channels, channelID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func readSnapshot(tx *kvstore.Txn, channelID string) (Snapshot, error) {
	snap := Snapshot{ChannelID: channelID}
	reads := []struct {
		key  string
		dest *time.Time
	}{
		{expirationKey(channelID), &snap.ExpirationTime},
		{deletionKey(channelID), &snap.DeletionTime},
		{reminderKey(channelID), &snap.LastReminderTime},
		{snoozeKey(channelID), &snap.SnoozeUntil},
	}
	for _, read := range reads {
		value, err := tx.Get(read.key)
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				continue
			}
			return Snapshot{}, err
		}
		parsed, err := parseTime(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse %s: %w", read.key, err)
		}
		*read.dest = parsed
	}
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
