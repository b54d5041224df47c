package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a thin JSON wrapper over the events platform REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an events platform client for the given endpoint.
func NewHTTPClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("service", "events")),
	}
}

// ListUpcomingEvents returns the upcoming events for a community group.
func (c *HTTPClient) ListUpcomingEvents(ctx context.Context, group string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	path := fmt.Sprintf("/groups/%s/events?status=upcoming", url.PathEscape(group))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list upcoming events for %q: %w", group, err)
	}
	return out.Events, nil
}

// GetTickets returns the attendee user ids for an event.
func (c *HTTPClient) GetTickets(ctx context.Context, eventID string) ([]string, error) {
	var out struct {
		AttendeeIDs []string `json:"attendee_ids"`
	}
	path := fmt.Sprintf("/events/%s/tickets", url.PathEscape(eventID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get tickets for event %q: %w", eventID, err)
	}
	return out.AttendeeIDs, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events platform returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
