// Package series owns the relational model of event series (adventures),
// their events and participants, and the sync orchestrator that keeps chat
// resources and memberships consistent with the events platform.
package series

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/guildops/guildsync/internal/lifecycle"
)

var (
	// ErrSeriesNotFound reports a series id or slug with no row.
	ErrSeriesNotFound = errors.New("series: not found")
	// ErrInvariantViolation reports a series row owning only one role of
	// its player/host pair. It signals upstream corruption, is fatal to the
	// current operation, and is never silently auto-repaired.
	ErrInvariantViolation = errors.New("series: channel owns only one of its two roles")
)

// Series is one adventure: a group of events sharing a channel, an
// optional voice channel, and a player/host role pair. Resource ids stay
// empty until the first reconciliation commits them.
type Series struct {
	ID             uuid.UUID
	Title          string
	Slug           string
	GroupSlug      string
	Kind           lifecycle.SeriesKind
	Online         bool
	ChannelID      string
	VoiceChannelID string
	PlayerRoleID   string
	HostRoleID     string
	ArchivedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is an events-platform event attributed to a series.
type Event struct {
	ID          string
	SeriesID    uuid.UUID
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Venue       string
	Online      bool
}

// Participant is an events-platform user attached to a series, either as a
// player or a host.
type Participant struct {
	SeriesID     uuid.UUID
	EventsUserID string
	Host         bool
}

// ResourceIDs carries the committed chat resource ids for a series.
type ResourceIDs struct {
	ChannelID      string
	VoiceChannelID string
	PlayerRoleID   string
	HostRoleID     string
}

// Storage is the relational store the sync orchestrator depends on. Store
// implements it against PostgreSQL.
type Storage interface {
	CreateSeries(ctx context.Context, s Series) (Series, error)
	GetSeries(ctx context.Context, id uuid.UUID) (Series, error)
	GetSeriesBySlug(ctx context.Context, slug string) (Series, error)
	ListActiveSeriesIDs(ctx context.Context) ([]uuid.UUID, error)
	SetSeriesResources(ctx context.Context, id uuid.UUID, ids ResourceIDs) error
	SyncEvents(ctx context.Context, seriesID uuid.UUID, events []Event, now time.Time) error
	UpsertParticipants(ctx context.Context, seriesID uuid.UUID, participants []Participant) error
	Participants(ctx context.Context, seriesID uuid.UUID) ([]Participant, error)
}
