package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildops/guildsync/internal/lifecycle"
)

// Store is the PostgreSQL-backed series store. It implements Storage and
// lifecycle.SeriesSource.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a series store on the given pool.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "series-store")),
	}
}

const seriesColumns = `id, title, slug, group_slug, kind, online,
	COALESCE(channel_id, ''), COALESCE(voice_channel_id, ''),
	COALESCE(player_role_id, ''), COALESCE(host_role_id, ''),
	COALESCE(archived_at, 'epoch'::timestamptz), created_at, updated_at`

func scanSeries(row pgx.Row) (Series, error) {
	var s Series
	var kind string
	var archivedAt time.Time
	err := row.Scan(&s.ID, &s.Title, &s.Slug, &s.GroupSlug, &kind, &s.Online,
		&s.ChannelID, &s.VoiceChannelID, &s.PlayerRoleID, &s.HostRoleID,
		&archivedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Series{}, ErrSeriesNotFound
		}
		return Series{}, err
	}
	s.Kind = lifecycle.SeriesKind(kind)
	if archivedAt.Unix() > 0 {
		s.ArchivedAt = archivedAt
	}
	return s, nil
}

// CreateSeries inserts a new series and returns it with generated fields.
func (st *Store) CreateSeries(ctx context.Context, s Series) (Series, error) {
	row := st.pool.QueryRow(ctx, `
		INSERT INTO series (title, slug, group_slug, kind, online)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+seriesColumns,
		s.Title, s.Slug, s.GroupSlug, string(s.Kind), s.Online)
	created, err := scanSeries(row)
	if err != nil {
		return Series{}, fmt.Errorf("create series %q: %w", s.Slug, err)
	}
	st.logger.Info("series created",
		slog.String("series", created.ID.String()),
		slog.String("slug", created.Slug),
	)
	return created, nil
}

// GetSeries returns the series with the given id.
func (st *Store) GetSeries(ctx context.Context, id uuid.UUID) (Series, error) {
	row := st.pool.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = $1`, id)
	s, err := scanSeries(row)
	if err != nil {
		if errors.Is(err, ErrSeriesNotFound) {
			return Series{}, err
		}
		return Series{}, fmt.Errorf("get series %s: %w", id, err)
	}
	return s, nil
}

// GetSeriesBySlug returns the series with the given slug.
func (st *Store) GetSeriesBySlug(ctx context.Context, slug string) (Series, error) {
	row := st.pool.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE slug = $1`, slug)
	s, err := scanSeries(row)
	if err != nil {
		if errors.Is(err, ErrSeriesNotFound) {
			return Series{}, err
		}
		return Series{}, fmt.Errorf("get series by slug %q: %w", slug, err)
	}
	return s, nil
}

// ListActiveSeriesIDs returns the ids of every non-archived series.
func (st *Store) ListActiveSeriesIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := st.pool.Query(ctx, `SELECT id FROM series WHERE archived_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active series: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list active series: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active series: %w", err)
	}
	return ids, nil
}

// SetSeriesResources records the committed chat resource ids on the series
// row. Empty ids clear the column.
func (st *Store) SetSeriesResources(ctx context.Context, id uuid.UUID, ids ResourceIDs) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE series SET
			channel_id = NULLIF($2, ''),
			voice_channel_id = NULLIF($3, ''),
			player_role_id = NULLIF($4, ''),
			host_role_id = NULLIF($5, ''),
			updated_at = now()
		WHERE id = $1`,
		id, ids.ChannelID, ids.VoiceChannelID, ids.PlayerRoleID, ids.HostRoleID)
	if err != nil {
		return fmt.Errorf("set resources for series %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeriesNotFound
	}
	return nil
}

// SyncEvents reconciles the stored events of a series against the upcoming
// events just fetched, in one transaction: upcoming events no longer on the
// platform are removed, the rest upserted. Past events are kept untouched
// so the latest event end stays known after the platform stops listing them.
func (st *Store) SyncEvents(ctx context.Context, seriesID uuid.UUID, events []Event, now time.Time) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sync events for %s: %w", seriesID, err)
	}
	defer tx.Rollback(ctx)

	keep := make([]string, 0, len(events))
	for _, e := range events {
		keep = append(keep, e.ID)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM events
		WHERE series_id = $1 AND start_time > $2 AND NOT (id = ANY($3))`,
		seriesID, now, keep); err != nil {
		return fmt.Errorf("sync events for %s: %w", seriesID, err)
	}

	for _, e := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO events (id, series_id, title, description, start_time, end_time, venue, online)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				venue = EXCLUDED.venue,
				online = EXCLUDED.online,
				updated_at = now()`,
			e.ID, seriesID, e.Title, e.Description, e.StartTime, e.EndTime, e.Venue, e.Online); err != nil {
			return fmt.Errorf("upsert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sync events for %s: %w", seriesID, err)
	}
	return nil
}

// UpsertParticipants records participants, promoting an existing player to
// host when seen hosting but never demoting.
func (st *Store) UpsertParticipants(ctx context.Context, seriesID uuid.UUID, participants []Participant) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert participants for %s: %w", seriesID, err)
	}
	defer tx.Rollback(ctx)

	for _, p := range participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (series_id, events_user_id, host)
			VALUES ($1, $2, $3)
			ON CONFLICT (series_id, events_user_id)
			DO UPDATE SET host = participants.host OR EXCLUDED.host`,
			seriesID, p.EventsUserID, p.Host); err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.EventsUserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("upsert participants for %s: %w", seriesID, err)
	}
	return nil
}

// Participants returns every participant of a series.
func (st *Store) Participants(ctx context.Context, seriesID uuid.UUID) ([]Participant, error) {
	rows, err := st.pool.Query(ctx, `
		SELECT series_id, events_user_id, host
		FROM participants WHERE series_id = $1 ORDER BY events_user_id`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("participants of %s: %w", seriesID, err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SeriesID, &p.EventsUserID, &p.Host); err != nil {
			return nil, fmt.Errorf("participants of %s: %w", seriesID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("participants of %s: %w", seriesID, err)
	}
	return out, nil
}

// ChannelSeries resolves the series owning a channel into the shape the
// lifecycle needs: kind, latest event end, and whether any event is still
// upcoming.
func (st *Store) ChannelSeries(ctx context.Context, channelID string) (lifecycle.SeriesInfo, error) {
	var info lifecycle.SeriesInfo
	var id uuid.UUID
	var kind string
	err := st.pool.QueryRow(ctx,
		`SELECT id, kind FROM series WHERE channel_id = $1`, channelID).Scan(&id, &kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return info, fmt.Errorf("series for channel %s: %w", channelID, ErrSeriesNotFound)
		}
		return info, fmt.Errorf("series for channel %s: %w", channelID, err)
	}
	info.SeriesID = id.String()
	info.Kind = lifecycle.SeriesKind(kind)

	var latest time.Time
	var upcoming bool
	err = st.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(end_time), 'epoch'::timestamptz),
		       COUNT(*) FILTER (WHERE end_time > now()) > 0
		FROM events WHERE series_id = $1`, id).Scan(&latest, &upcoming)
	if err != nil {
		return lifecycle.SeriesInfo{}, fmt.Errorf("events of series %s: %w", id, err)
	}
	if latest.Unix() > 0 {
		info.LatestEventEnd = latest
	}
	info.HasUpcoming = upcoming
	return info, nil
}

// ArchiveSeries marks a series archived so recurring syncs skip it. Called
// by the lifecycle once the series' channel is deleted.
func (st *Store) ArchiveSeries(ctx context.Context, seriesID string) error {
	id, err := uuid.Parse(seriesID)
	if err != nil {
		return fmt.Errorf("archive series %q: %w", seriesID, err)
	}
	tag, err := st.pool.Exec(ctx,
		`UPDATE series SET archived_at = now(), updated_at = now() WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("archive series %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		st.logger.Info("series archived", slog.String("series", seriesID))
	}
	return nil
}
