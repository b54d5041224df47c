// Package events defines the events-platform surface consumed by series sync.
package events

import (
	"context"
	"time"
)

// Event is a scheduled community event on the events platform.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	HostIDs     []string  `json:"host_ids"`
	Venue       string    `json:"venue,omitempty"`
	Online      bool      `json:"online"`
}

// Client is the narrow events-platform client the sync paths depend on.
type Client interface {
	// ListUpcomingEvents returns the upcoming events for a community group.
	ListUpcomingEvents(ctx context.Context, group string) ([]Event, error)
	// GetTickets returns the events-platform user ids holding a ticket for an event.
	GetTickets(ctx context.Context, eventID string) ([]string, error)
}
