package lifecycle

import (
	"errors"
	"time"
)

// Errors returned by lifecycle operations.
var (
	ErrNotExpired       = errors.New("lifecycle: channel has not expired yet")
	ErrAlreadyScheduled = errors.New("lifecycle: deletion already scheduled")
	ErrNotScheduled     = errors.New("lifecycle: no deletion scheduled")
	ErrDeletionEarlier  = errors.New("lifecycle: deletion time may only move later")
	ErrNoLifecycle      = errors.New("lifecycle: channel has no lifecycle state")
)

// State is the derived lifecycle state of a managed channel. Only
// timestamps are stored; the state is a pure function of them and the
// current time.
type State string

const (
	// StateActive: no expiration recorded.
	StateActive State = "active"
	// StateExpiring: expiration recorded and still in the future.
	StateExpiring State = "expiring"
	// StateExpired: expiration passed, no deletion scheduled.
	StateExpired State = "expired"
	// StateScheduledForDeletion: a deletion time is recorded.
	StateScheduledForDeletion State = "scheduled_for_deletion"
)

// SeriesKind distinguishes one-shot adventures from long-running
// campaigns; it selects grace periods and reminder cadence.
type SeriesKind string

const (
	OneShot  SeriesKind = "one_shot"
	Campaign SeriesKind = "campaign"
)

// Grace periods between the last event and channel expiration.
const (
	oneShotGrace  = 24 * time.Hour
	campaignGrace = 14 * 24 * time.Hour
)

// Reminder cadence once a channel is expired.
const (
	oneShotReminderEvery  = 24 * time.Hour
	campaignReminderEvery = 72 * time.Hour
)

// GracePeriod returns the post-event grace before expiration for a kind.
func (k SeriesKind) GracePeriod() time.Duration {
	if k == Campaign {
		return campaignGrace
	}
	return oneShotGrace
}

// ReminderInterval returns the minimum gap between reminders for a kind.
func (k SeriesKind) ReminderInterval() time.Duration {
	if k == Campaign {
		return campaignReminderEvery
	}
	return oneShotReminderEvery
}

// SeriesInfo is what the lifecycle needs to know about a channel's owning
// series to recompute expiration and pace reminders.
type SeriesInfo struct {
	SeriesID       string
	Kind           SeriesKind
	LatestEventEnd time.Time // zero when the series has no events
	HasUpcoming    bool
}

// Snapshot is the stored lifecycle state of one channel.
type Snapshot struct {
	ChannelID        string
	ExpirationTime   time.Time
	DeletionTime     time.Time
	LastReminderTime time.Time
	SnoozeUntil      time.Time
}

// StateAt derives the lifecycle state at the given instant.
func (s Snapshot) StateAt(now time.Time) State {
	switch {
	case !s.DeletionTime.IsZero():
		return StateScheduledForDeletion
	case s.ExpirationTime.IsZero():
		return StateActive
	case now.Before(s.ExpirationTime):
		return StateExpiring
	default:
		return StateExpired
	}
}
