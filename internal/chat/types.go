// Package chat defines the chat-platform surface (channels, roles,
// permission overwrites) and its Discord implementation.
package chat

import (
	"context"
	"errors"
)

// ErrNotFound reports that a remote resource does not exist. It is a
// legitimate state on reconciliation paths, not a failure.
var ErrNotFound = errors.New("chat: resource not found")

// ResourceType distinguishes the two remote object families.
type ResourceType string

const (
	ResourceChannel ResourceType = "channel"
	ResourceRole    ResourceType = "role"
)

// ChannelDescriptor describes a channel to create.
type ChannelDescriptor struct {
	Name     string
	Topic    string
	ParentID string
	Voice    bool
}

// RoleDescriptor describes a role to create.
type RoleDescriptor struct {
	Name        string
	Color       int
	Mentionable bool
}

// OverwriteTarget is the subject type of a permission overwrite.
type OverwriteTarget string

const (
	OverwriteRole   OverwriteTarget = "role"
	OverwriteMember OverwriteTarget = "member"
)

// Permission bits used by the fixed overwrite rule set.
const (
	PermViewChannel  int64 = 1 << 10
	PermSendMessages int64 = 1 << 11
	PermConnect      int64 = 1 << 20
	PermSpeak        int64 = 1 << 21
)

// PermissionOverwrite is a single allow/deny rule on a channel.
type PermissionOverwrite struct {
	TargetID   string
	TargetType OverwriteTarget
	Allow      int64
	Deny       int64
}

// Client is the narrow chat-platform client the reconciliation paths
// depend on. Implementations must return ErrNotFound (possibly wrapped)
// for operations against resources that no longer exist.
type Client interface {
	CreateChannel(ctx context.Context, desc ChannelDescriptor) (string, error)
	CreateRole(ctx context.Context, desc RoleDescriptor) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	DeleteRole(ctx context.Context, roleID string) error
	// ResourceExists verifies remote existence authoritatively.
	ResourceExists(ctx context.Context, rt ResourceType, id string) (bool, error)
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	// MembersWithRole returns the user ids currently holding a role.
	MembersWithRole(ctx context.Context, roleID string) ([]string, error)
	ApplyPermissionOverwrite(ctx context.Context, channelID string, rule PermissionOverwrite) error
	SendMessage(ctx context.Context, channelID, content string) error
	// EveryoneRoleID is the id of the implicit everyone role, the deny
	// target of the fixed overwrite rule set.
	EveryoneRoleID() string
}
