// Package chattest provides an in-memory chat.Client fake for tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/guildops/guildsync/internal/chat"
)

// Fake is an in-memory chat platform. All methods are safe for concurrent
// use. Failure injection: set CreateErr to fail the next create, or add an
// id to DeleteErrs to make its deletion fail until cleared.
type Fake struct {
	mu sync.Mutex

	nextID     int
	Channels   map[string]chat.ChannelDescriptor
	Roles      map[string]chat.RoleDescriptor
	RoleGrants map[string]map[string]bool // roleID -> userID set
	Overwrites map[string][]chat.PermissionOverwrite
	Messages   map[string][]string

	CreateErr  error
	DeleteErrs map[string]error
	ExistsErrs map[string]error

	Deleted []string
}

// New creates an empty fake chat platform.
func New() *Fake {
	return &Fake{
		Channels:   make(map[string]chat.ChannelDescriptor),
		Roles:      make(map[string]chat.RoleDescriptor),
		RoleGrants: make(map[string]map[string]bool),
		Overwrites: make(map[string][]chat.PermissionOverwrite),
		Messages:   make(map[string][]string),
		DeleteErrs: make(map[string]error),
		ExistsErrs: make(map[string]error),
	}
}

func (f *Fake) CreateChannel(_ context.Context, desc chat.ChannelDescriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	id := f.newID("ch")
	f.Channels[id] = desc
	return id, nil
}

func (f *Fake) CreateRole(_ context.Context, desc chat.RoleDescriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	id := f.newID("role")
	f.Roles[id] = desc
	f.RoleGrants[id] = make(map[string]bool)
	return id, nil
}

func (f *Fake) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErrs[channelID]; err != nil {
		return err
	}
	if _, ok := f.Channels[channelID]; !ok {
		return fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}
	delete(f.Channels, channelID)
	f.Deleted = append(f.Deleted, channelID)
	return nil
}

func (f *Fake) DeleteRole(_ context.Context, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErrs[roleID]; err != nil {
		return err
	}
	if _, ok := f.Roles[roleID]; !ok {
		return fmt.Errorf("role %s: %w", roleID, chat.ErrNotFound)
	}
	delete(f.Roles, roleID)
	delete(f.RoleGrants, roleID)
	f.Deleted = append(f.Deleted, roleID)
	return nil
}

func (f *Fake) ResourceExists(_ context.Context, rt chat.ResourceType, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ExistsErrs[id]; err != nil {
		return false, err
	}
	if rt == chat.ResourceRole {
		_, ok := f.Roles[id]
		return ok, nil
	}
	_, ok := f.Channels[id]
	return ok, nil
}

func (f *Fake) AddRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grants, ok := f.RoleGrants[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, chat.ErrNotFound)
	}
	grants[userID] = true
	return nil
}

func (f *Fake) RemoveRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grants, ok := f.RoleGrants[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, chat.ErrNotFound)
	}
	delete(grants, userID)
	return nil
}

func (f *Fake) MembersWithRole(_ context.Context, roleID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []string
	for userID := range f.RoleGrants[roleID] {
		members = append(members, userID)
	}
	return members, nil
}

func (f *Fake) ApplyPermissionOverwrite(_ context.Context, channelID string, rule chat.PermissionOverwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Channels[channelID]; !ok {
		return fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}
	f.Overwrites[channelID] = append(f.Overwrites[channelID], rule)
	return nil
}

func (f *Fake) SendMessage(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Channels[channelID]; !ok {
		return fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}
	f.Messages[channelID] = append(f.Messages[channelID], content)
	return nil
}

// EveryoneRoleID returns the fake's fixed everyone role id.
func (f *Fake) EveryoneRoleID() string {
	return "everyone"
}

// HasRole reports whether userID holds roleID.
func (f *Fake) HasRole(userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RoleGrants[roleID][userID]
}

// AddChannel seeds a channel with a known id.
func (f *Fake) AddChannel(id string, desc chat.ChannelDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[id] = desc
}

// AddExistingRole seeds a role with a known id.
func (f *Fake) AddExistingRole(id string, desc chat.RoleDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Roles[id] = desc
	if f.RoleGrants[id] == nil {
		f.RoleGrants[id] = make(map[string]bool)
	}
}

// RemoveRemote simulates an out-of-band deletion on the platform.
func (f *Fake) RemoveRemote(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Channels, id)
	delete(f.Roles, id)
	delete(f.RoleGrants, id)
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}
