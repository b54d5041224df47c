package series

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/guildops/guildsync/internal/chat/chattest"
	"github.com/guildops/guildsync/internal/events"
	"github.com/guildops/guildsync/internal/identity"
	"github.com/guildops/guildsync/internal/kvstore"
	"github.com/guildops/guildsync/internal/lifecycle"
	"github.com/guildops/guildsync/internal/resource"
)

// fakeStorage is an in-memory Storage and lifecycle.SeriesSource.
type fakeStorage struct {
	mu           sync.Mutex
	series       map[uuid.UUID]Series
	events       map[uuid.UUID]map[string]Event
	participants map[uuid.UUID]map[string]Participant
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		series:       make(map[uuid.UUID]Series),
		events:       make(map[uuid.UUID]map[string]Event),
		participants: make(map[uuid.UUID]map[string]Participant),
	}
}

func (f *fakeStorage) CreateSeries(_ context.Context, s Series) (Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	f.series[s.ID] = s
	return s, nil
}

func (f *fakeStorage) GetSeries(_ context.Context, id uuid.UUID) (Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return Series{}, ErrSeriesNotFound
	}
	return s, nil
}

func (f *fakeStorage) GetSeriesBySlug(_ context.Context, slug string) (Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.series {
		if s.Slug == slug {
			return s, nil
		}
	}
	return Series{}, ErrSeriesNotFound
}

func (f *fakeStorage) ListActiveSeriesIDs(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range f.series {
		if s.ArchivedAt.IsZero() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStorage) SetSeriesResources(_ context.Context, id uuid.UUID, ids ResourceIDs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	s.ChannelID = ids.ChannelID
	s.VoiceChannelID = ids.VoiceChannelID
	s.PlayerRoleID = ids.PlayerRoleID
	s.HostRoleID = ids.HostRoleID
	f.series[id] = s
	return nil
}

func (f *fakeStorage) SyncEvents(_ context.Context, seriesID uuid.UUID, incoming []Event, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.events[seriesID]
	if stored == nil {
		stored = make(map[string]Event)
		f.events[seriesID] = stored
	}
	keep := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		keep[e.ID] = true
	}
	for id, e := range stored {
		if e.StartTime.After(now) && !keep[id] {
			delete(stored, id)
		}
	}
	for _, e := range incoming {
		stored[e.ID] = e
	}
	return nil
}

func (f *fakeStorage) UpsertParticipants(_ context.Context, seriesID uuid.UUID, participants []Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.participants[seriesID]
	if stored == nil {
		stored = make(map[string]Participant)
		f.participants[seriesID] = stored
	}
	for _, p := range participants {
		if existing, ok := stored[p.EventsUserID]; ok {
			p.Host = p.Host || existing.Host
		}
		stored[p.EventsUserID] = p
	}
	return nil
}

func (f *fakeStorage) Participants(_ context.Context, seriesID uuid.UUID) ([]Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Participant
	for _, p := range f.participants[seriesID] {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStorage) ChannelSeries(_ context.Context, channelID string) (lifecycle.SeriesInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.series {
		if s.ChannelID != channelID {
			continue
		}
		info := lifecycle.SeriesInfo{SeriesID: id.String(), Kind: s.Kind}
		for _, e := range f.events[id] {
			if e.EndTime.After(info.LatestEventEnd) {
				info.LatestEventEnd = e.EndTime
			}
			if e.EndTime.After(time.Now()) {
				info.HasUpcoming = true
			}
		}
		return info, nil
	}
	return lifecycle.SeriesInfo{}, ErrSeriesNotFound
}

func (f *fakeStorage) ArchiveSeries(_ context.Context, seriesID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := uuid.Parse(seriesID)
	if err != nil {
		return err
	}
	s, ok := f.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	s.ArchivedAt = time.Now()
	f.series[id] = s
	return nil
}

// fakeEvents is a canned events platform.
type fakeEvents struct {
	upcoming []events.Event
	tickets  map[string][]string
	listErr  error
}

func (f *fakeEvents) ListUpcomingEvents(_ context.Context, _ string) ([]events.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.upcoming, nil
}

func (f *fakeEvents) GetTickets(_ context.Context, eventID string) ([]string, error) {
	return f.tickets[eventID], nil
}

type seriesFixture struct {
	svc     *Service
	storage *fakeStorage
	events  *fakeEvents
	fake    *chattest.Fake
	ident   *identity.Service
	store   *kvstore.Store
}

func newSeriesFixture(t *testing.T) *seriesFixture {
	t.Helper()
	store, err := kvstore.Open(nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storage := newFakeStorage()
	platform := &fakeEvents{tickets: make(map[string][]string)}
	fake := chattest.New()
	ident := identity.NewService(nil, store)
	orphans := resource.NewOrphanQueue(nil, store)
	reconciler := resource.NewReconciler(nil, store, fake, orphans)
	lifecycleSvc := lifecycle.NewService(nil, store, fake, orphans, storage)

	return &seriesFixture{
		svc:     NewService(nil, storage, platform, fake, ident, reconciler, lifecycleSvc),
		storage: storage,
		events:  platform,
		fake:    fake,
		ident:   ident,
		store:   store,
	}
}

func createSeries(t *testing.T, f *seriesFixture, title, slug string, kind lifecycle.SeriesKind, online bool) Series {
	t.Helper()
	s, err := f.storage.CreateSeries(context.Background(), Series{
		Title:     title,
		Slug:      slug,
		GroupSlug: "rpg-guild",
		Kind:      kind,
		Online:    online,
	})
	require.NoError(t, err)
	return s
}

func TestSyncSeriesFullPass(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, true)

	end := time.Now().Add(48 * time.Hour)
	f.events.upcoming = []events.Event{
		{ID: "ev-1", Title: "Dragon Heist: Session 1", StartTime: end.Add(-3 * time.Hour), EndTime: end, HostIDs: []string{"host-1"}, Online: true},
		{ID: "ev-other", Title: "Curse of Strahd", StartTime: end, EndTime: end.Add(time.Hour)},
	}
	f.events.tickets["ev-1"] = []string{"user-1", "user-2", "host-1"}

	// user-1 and host-1 are linked; user-2 is not.
	_, err := f.ident.Link(ctx, "user-1", "chat-1")
	require.NoError(t, err)
	_, err = f.ident.Link(ctx, "host-1", "chat-h")
	require.NoError(t, err)

	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))

	updated, err := f.storage.GetSeries(ctx, sr.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.ChannelID)
	require.NotEmpty(t, updated.VoiceChannelID, "online series gets a voice channel")
	require.NotEmpty(t, updated.PlayerRoleID)
	require.NotEmpty(t, updated.HostRoleID)

	// Only the matching event was stored.
	require.Len(t, f.storage.events[sr.ID], 1)
	require.Contains(t, f.storage.events[sr.ID], "ev-1")

	// Linked users got their roles; the unlinked one is skipped.
	require.True(t, f.fake.HasRole("chat-1", updated.PlayerRoleID))
	require.True(t, f.fake.HasRole("chat-h", updated.PlayerRoleID))
	require.True(t, f.fake.HasRole("chat-h", updated.HostRoleID))
	require.False(t, f.fake.HasRole("chat-1", updated.HostRoleID))

	// Participants recorded regardless of link state.
	stored, err := f.storage.Participants(ctx, sr.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	// Fixed overwrite rule set on both channels.
	require.Len(t, f.fake.Overwrites[updated.ChannelID], 3)
	require.Len(t, f.fake.Overwrites[updated.VoiceChannelID], 3)

	// Lifecycle recomputed: one-shot expiration is last end + 24h.
	var expiration string
	f.store.View(func(tx *kvstore.Txn) error {
		expiration, _ = tx.Get("lifecycle:" + updated.ChannelID + ":expiration_time")
		return nil
	})
	parsed, err := time.Parse(time.RFC3339Nano, expiration)
	require.NoError(t, err)
	require.WithinDuration(t, end.Add(24*time.Hour), parsed, time.Second)
}

func TestSyncSeriesOfflineSkipsVoice(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Tomb of Annihilation", "tomb", lifecycle.Campaign, false)
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))

	updated, err := f.storage.GetSeries(ctx, sr.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.ChannelID)
	require.Empty(t, updated.VoiceChannelID)
}

func TestSyncSeriesIsIdempotent(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	first, err := f.storage.GetSeries(ctx, sr.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	second, err := f.storage.GetSeries(ctx, sr.ID)
	require.NoError(t, err)

	require.Equal(t, first.ChannelID, second.ChannelID)
	require.Len(t, f.fake.Channels, 1)
	require.Len(t, f.fake.Roles, 2)
}

func TestSyncSeriesDetectsRolePairViolation(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	require.NoError(t, f.storage.SetSeriesResources(ctx, sr.ID, ResourceIDs{
		ChannelID:    "ch-1",
		PlayerRoleID: "role-player",
		// Host role missing: upstream corruption.
	}))

	err := f.svc.SyncSeries(ctx, sr.ID)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSyncSeriesDoesNotRegrantRemovedUser(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	end := time.Now().Add(24 * time.Hour)
	f.events.upcoming = []events.Event{
		{ID: "ev-1", Title: "Dragon Heist: Session 1", StartTime: end.Add(-2 * time.Hour), EndTime: end},
	}
	f.events.tickets["ev-1"] = []string{"user-1"}
	_, err := f.ident.Link(ctx, "user-1", "chat-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	updated, _ := f.storage.GetSeries(ctx, sr.ID)
	require.True(t, f.fake.HasRole("chat-1", updated.PlayerRoleID))

	require.NoError(t, f.svc.RemoveParticipant(ctx, sr.ID, "chat-1", false))
	require.False(t, f.fake.HasRole("chat-1", updated.PlayerRoleID))

	// Removal is one-way-sticky across syncs.
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	require.False(t, f.fake.HasRole("chat-1", updated.PlayerRoleID))

	// An explicit restore makes the next sync grant it again.
	require.NoError(t, f.svc.RestoreParticipant(ctx, sr.ID, "chat-1", false))
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	require.True(t, f.fake.HasRole("chat-1", updated.PlayerRoleID))
}

func TestSyncAllAggregatesFailures(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	broken := createSeries(t, f, "Broken", "broken", lifecycle.OneShot, false)
	require.NoError(t, f.storage.SetSeriesResources(ctx, broken.ID, ResourceIDs{
		ChannelID:  "ch-broken",
		HostRoleID: "role-host",
	}))

	err := f.svc.SyncAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2 failed")
}

func TestEndSeries(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	err := f.svc.EndSeries(ctx, sr.ID)
	require.Error(t, err, "no channel committed yet")

	// Sync with no events: the channel expires immediately.
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	require.NoError(t, f.svc.EndSeries(ctx, sr.ID))

	err = f.svc.EndSeries(ctx, sr.ID)
	require.ErrorIs(t, err, lifecycle.ErrAlreadyScheduled)
}

func TestMatchEvents(t *testing.T) {
	sr := Series{ID: uuid.New(), Title: "Dragon Heist"}
	upcoming := []events.Event{
		{ID: "a", Title: "Dragon Heist: Session 1"},
		{ID: "b", Title: "dragon heist finale"},
		{ID: "c", Title: "Curse of Strahd"},
	}
	matched := matchEvents(sr, upcoming)
	require.Len(t, matched, 2)
	require.Equal(t, "a", matched[0].ID)
	require.Equal(t, "b", matched[1].ID)
}

func TestSyncSeriesSkipsArchived(t *testing.T) {
	f := newSeriesFixture(t)
	ctx := context.Background()

	sr := createSeries(t, f, "Dragon Heist", "dragon-heist", lifecycle.OneShot, false)
	require.NoError(t, f.storage.ArchiveSeries(ctx, sr.ID.String()))

	f.events.listErr = errors.New("should not be called")
	require.NoError(t, f.svc.SyncSeries(ctx, sr.ID))
	require.Empty(t, f.fake.Channels)
}
