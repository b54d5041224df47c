package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/events"
	"github.com/guildops/guildsync/internal/identity"
	"github.com/guildops/guildsync/internal/lifecycle"
	"github.com/guildops/guildsync/internal/resource"
)

// Service orchestrates one series' sync: events, chat resources,
// participant roles, permissions, and lifecycle recompute.
type Service struct {
	store     Storage
	events    events.Client
	chat      chat.Client
	identity  *identity.Service
	resources *resource.Reconciler
	lifecycle *lifecycle.Service
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the series sync orchestrator.
func NewService(
	log *slog.Logger,
	store Storage,
	eventsClient events.Client,
	chatClient chat.Client,
	identitySvc *identity.Service,
	resources *resource.Reconciler,
	lifecycleSvc *lifecycle.Service,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		events:    eventsClient,
		chat:      chatClient,
		identity:  identitySvc,
		resources: resources,
		lifecycle: lifecycleSvc,
		logger:    log.With(slog.String("service", "series")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SyncSeries brings one series fully in line with the events platform:
// upcoming events are pulled and stored, chat resources ensured,
// participants resolved through committed identity links, both roles
// membership-synced, channel permissions re-applied, and the lifecycle
// expiration recomputed. Semantics are identical whether a command handler
// or the scheduler invokes it.
func (s *Service) SyncSeries(ctx context.Context, seriesID uuid.UUID) error {
	sr, err := s.store.GetSeries(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}
	if !sr.ArchivedAt.IsZero() {
		s.logger.Debug("skipping archived series", slog.String("series", seriesID.String()))
		return nil
	}
	if err := checkRolePair(sr); err != nil {
		s.logger.Error("role pair invariant violated",
			slog.String("series", sr.ID.String()),
			slog.String("player_role", sr.PlayerRoleID),
			slog.String("host_role", sr.HostRoleID),
		)
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}

	upcoming, err := s.events.ListUpcomingEvents(ctx, sr.GroupSlug)
	if err != nil {
		return fmt.Errorf("sync series %s: list events: %w", seriesID, err)
	}
	matched := matchEvents(sr, upcoming)
	if err := s.store.SyncEvents(ctx, sr.ID, eventRows(sr.ID, matched), s.now()); err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}

	ids, err := s.ensureResources(ctx, sr)
	if err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}
	if err := s.store.SetSeriesResources(ctx, sr.ID, ids); err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}

	if err := s.syncParticipants(ctx, sr, ids, matched); err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}
	if err := s.syncPermissions(ctx, ids); err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}

	if err := s.lifecycle.Recompute(ctx, ids.ChannelID); err != nil {
		return fmt.Errorf("sync series %s: %w", seriesID, err)
	}

	s.logger.Info("series synced",
		slog.String("series", sr.ID.String()),
		slog.String("channel", ids.ChannelID),
		slog.Int("events", len(matched)),
	)
	return nil
}

// SyncAll syncs every non-archived series. Per-series failures are logged
// and skipped; the aggregate error drives the scheduler's backoff.
func (s *Service) SyncAll(ctx context.Context) error {
	ids, err := s.store.ListActiveSeriesIDs(ctx)
	if err != nil {
		return fmt.Errorf("sync all series: %w", err)
	}

	var failed int
	for _, id := range ids {
		if err := s.SyncSeries(ctx, id); err != nil {
			failed++
			s.logger.Warn("series sync failed",
				slog.String("series", id.String()),
				slog.Any("error", err),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("sync all series: %d of %d failed", failed, len(ids))
	}
	return nil
}

// EndSeries schedules the series' channel for deletion ("end adventure").
// The lifecycle rejects it while the channel has not expired or is already
// marked.
func (s *Service) EndSeries(ctx context.Context, seriesID uuid.UUID) error {
	sr, err := s.store.GetSeries(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("end series %s: %w", seriesID, err)
	}
	if sr.ChannelID == "" {
		return fmt.Errorf("end series %s: no channel committed", seriesID)
	}
	if err := s.lifecycle.ScheduleDeletion(ctx, sr.ChannelID); err != nil {
		return fmt.Errorf("end series %s: %w", seriesID, err)
	}
	return nil
}

// RemoveParticipant revokes the series role from a chat user and records
// the removal, so membership sync will not re-grant it.
func (s *Service) RemoveParticipant(ctx context.Context, seriesID uuid.UUID, chatUserID string, host bool) error {
	sr, err := s.store.GetSeries(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("remove participant from %s: %w", seriesID, err)
	}
	roleID := sr.PlayerRoleID
	if host {
		roleID = sr.HostRoleID
	}
	if roleID == "" || sr.ChannelID == "" {
		return fmt.Errorf("remove participant from %s: no resources committed", seriesID)
	}

	// The removal is recorded first; role revocation is retried by hand if
	// it fails, never silently re-granted by the next sync.
	if err := s.lifecycle.MarkRemoved(ctx, sr.ChannelID, chatUserID, host); err != nil {
		return fmt.Errorf("remove participant from %s: %w", seriesID, err)
	}
	if err := s.chat.RemoveRole(ctx, chatUserID, roleID); err != nil && !errors.Is(err, chat.ErrNotFound) {
		return fmt.Errorf("remove participant from %s: %w", seriesID, err)
	}
	s.logger.Info("participant removed",
		slog.String("series", sr.ID.String()),
		slog.String("user", chatUserID),
		slog.Bool("host", host),
	)
	return nil
}

// RestoreParticipant lifts a manual removal; the next membership sync may
// grant the role again.
func (s *Service) RestoreParticipant(ctx context.Context, seriesID uuid.UUID, chatUserID string, host bool) error {
	sr, err := s.store.GetSeries(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("restore participant to %s: %w", seriesID, err)
	}
	if sr.ChannelID == "" {
		return fmt.Errorf("restore participant to %s: no channel committed", seriesID)
	}
	if err := s.lifecycle.Restore(ctx, sr.ChannelID, chatUserID, host); err != nil {
		return fmt.Errorf("restore participant to %s: %w", seriesID, err)
	}
	return nil
}

// checkRolePair enforces the role-pair invariant on the stored row: a
// series with a committed channel owns either both roles or neither.
func checkRolePair(sr Series) error {
	if sr.ChannelID == "" {
		return nil
	}
	if (sr.PlayerRoleID == "") != (sr.HostRoleID == "") {
		return ErrInvariantViolation
	}
	return nil
}

// matchEvents selects the platform events belonging to a series: an event
// matches when its title starts with the series title.
func matchEvents(sr Series, upcoming []events.Event) []events.Event {
	var matched []events.Event
	for _, e := range upcoming {
		if strings.HasPrefix(strings.ToLower(e.Title), strings.ToLower(sr.Title)) {
			matched = append(matched, e)
		}
	}
	return matched
}

// eventRows converts platform events into rows attributed to a series.
func eventRows(seriesID uuid.UUID, matched []events.Event) []Event {
	rows := make([]Event, 0, len(matched))
	for _, e := range matched {
		rows = append(rows, Event{
			ID:          e.ID,
			SeriesID:    seriesID,
			Title:       e.Title,
			Description: e.Description,
			StartTime:   e.StartTime,
			EndTime:     e.EndTime,
			Venue:       e.Venue,
			Online:      e.Online,
		})
	}
	return rows
}

// ensureResources creates-or-adopts the series' chat resources. Online
// series also get a voice channel.
func (s *Service) ensureResources(ctx context.Context, sr Series) (ResourceIDs, error) {
	owner := sr.ID.String()
	var ids ResourceIDs
	var err error

	ids.ChannelID, err = s.resources.Ensure(ctx, owner, resource.KindTextChannel, resource.Descriptor{
		Name:  sr.Slug,
		Topic: sr.Title,
	})
	if err != nil {
		return ids, err
	}

	if sr.Online {
		ids.VoiceChannelID, err = s.resources.Ensure(ctx, owner, resource.KindVoiceChannel, resource.Descriptor{
			Name: sr.Slug,
		})
		if err != nil {
			return ids, err
		}
	}

	ids.PlayerRoleID, err = s.resources.Ensure(ctx, owner, resource.KindPlayerRole, resource.Descriptor{
		Name:        sr.Title,
		Color:       0x3498db,
		Mentionable: true,
	})
	if err != nil {
		return ids, err
	}
	ids.HostRoleID, err = s.resources.Ensure(ctx, owner, resource.KindHostRole, resource.Descriptor{
		Name:        sr.Title + " Host",
		Color:       0xe67e22,
		Mentionable: true,
	})
	if err != nil {
		return ids, err
	}
	return ids, nil
}

// syncParticipants records every ticket holder and host, resolves them
// through committed identity links, and membership-syncs both roles. Users
// without a link are skipped until they link.
func (s *Service) syncParticipants(ctx context.Context, sr Series, ids ResourceIDs, matched []events.Event) error {
	hosts := make(map[string]bool)
	attendees := make(map[string]bool)
	for _, e := range matched {
		tickets, err := s.events.GetTickets(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("tickets for event %s: %w", e.ID, err)
		}
		for _, eventsUserID := range tickets {
			attendees[eventsUserID] = true
		}
		for _, hostID := range e.HostIDs {
			hosts[hostID] = true
		}
	}

	participants := make([]Participant, 0, len(attendees)+len(hosts))
	for eventsUserID := range attendees {
		participants = append(participants, Participant{
			SeriesID:     sr.ID,
			EventsUserID: eventsUserID,
			Host:         hosts[eventsUserID],
		})
	}
	for eventsUserID := range hosts {
		if !attendees[eventsUserID] {
			participants = append(participants, Participant{
				SeriesID:     sr.ID,
				EventsUserID: eventsUserID,
				Host:         true,
			})
		}
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].EventsUserID < participants[j].EventsUserID
	})
	if err := s.store.UpsertParticipants(ctx, sr.ID, participants); err != nil {
		return err
	}

	// Membership targets come from the stored participant set, not just
	// this pass's events, so players of past sessions keep their role.
	stored, err := s.store.Participants(ctx, sr.ID)
	if err != nil {
		return err
	}
	var playerTargets, hostTargets []string
	for _, p := range stored {
		chatID, err := s.identity.ChatUserFor(ctx, p.EventsUserID)
		if err != nil {
			return err
		}
		if chatID == "" {
			continue
		}
		playerTargets = append(playerTargets, chatID)
		if p.Host {
			hostTargets = append(hostTargets, chatID)
		}
	}

	if err := s.resources.SyncMembership(ctx, ids.PlayerRoleID, playerTargets, lifecycle.RemovedUsersSet(ids.ChannelID)); err != nil {
		return err
	}
	return s.resources.SyncMembership(ctx, ids.HostRoleID, hostTargets, lifecycle.RemovedHostsSet(ids.ChannelID))
}

// syncPermissions re-applies the fixed overwrite rule set: the channel is
// hidden from everyone, visible to players, and hosts may also manage the
// conversation. Voice channels additionally allow connecting and speaking.
func (s *Service) syncPermissions(ctx context.Context, ids ResourceIDs) error {
	everyone := s.chat.EveryoneRoleID()

	rules := []chat.PermissionOverwrite{
		{TargetID: everyone, TargetType: chat.OverwriteRole, Deny: chat.PermViewChannel},
		{TargetID: ids.PlayerRoleID, TargetType: chat.OverwriteRole, Allow: chat.PermViewChannel | chat.PermSendMessages},
		{TargetID: ids.HostRoleID, TargetType: chat.OverwriteRole, Allow: chat.PermViewChannel | chat.PermSendMessages},
	}
	if err := s.resources.SyncPermissions(ctx, ids.ChannelID, rules); err != nil {
		return err
	}

	if ids.VoiceChannelID == "" {
		return nil
	}
	voiceRules := []chat.PermissionOverwrite{
		{TargetID: everyone, TargetType: chat.OverwriteRole, Deny: chat.PermViewChannel},
		{TargetID: ids.PlayerRoleID, TargetType: chat.OverwriteRole, Allow: chat.PermViewChannel | chat.PermConnect | chat.PermSpeak},
		{TargetID: ids.HostRoleID, TargetType: chat.OverwriteRole, Allow: chat.PermViewChannel | chat.PermConnect | chat.PermSpeak},
	}
	return s.resources.SyncPermissions(ctx, ids.VoiceChannelID, voiceRules)
}
