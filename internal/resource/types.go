// Package resource guarantees exactly one chat-platform resource per
// (owner, kind) is durably recorded, despite remote creation not being
// transactional with the store, and tracks compensating deletions that
// still need to happen in a durable orphan queue.
package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guildops/guildsync/internal/chat"
)

// ErrMappingCorrupt reports that the committed mapping for an owner kept
// failing remote verification after a repair restart. It signals upstream
// corruption and is fatal to the calling operation.
var ErrMappingCorrupt = errors.New("resource: committed mapping failed verification twice")

// Kind is a managed resource kind. Each kind has its own key namespace but
// shares the same reconciliation protocol.
type Kind string

const (
	KindTextChannel  Kind = "text_channel"
	KindVoiceChannel Kind = "voice_channel"
	KindPlayerRole   Kind = "player_role"
	KindHostRole     Kind = "host_role"
)

// Kinds lists every managed resource kind, in vacuum scan order.
var Kinds = []Kind{KindTextChannel, KindVoiceChannel, KindPlayerRole, KindHostRole}

// ResourceType maps the kind onto the chat platform's object family.
func (k Kind) ResourceType() chat.ResourceType {
	if k == KindPlayerRole || k == KindHostRole {
		return chat.ResourceRole
	}
	return chat.ResourceChannel
}

// Descriptor carries the creation parameters for any kind; channel kinds
// use the channel fields, role kinds the role fields.
type Descriptor struct {
	Name        string
	Topic       string
	ParentID    string
	Color       int
	Mentionable bool
}

// Key namespaces: forward pointer per owner+kind, reverse pointer per
// remote id, and one canonical membership set per kind.
const (
	ForwardPrefix = "resource:"
	ReversePrefix = "resource_owner:"
	kindSetPrefix = "resources:"
)

// ForwardKey is the committed-mapping key for (owner, kind).
func ForwardKey(owner string, kind Kind) string {
	return ForwardPrefix + owner + ":" + string(kind)
}

// ReverseKey is the remote-id to owner index key.
func ReverseKey(remoteID string) string {
	return ReversePrefix + remoteID
}

// ReverseValue encodes kind and owner for a reverse index entry.
func ReverseValue(owner string, kind Kind) string {
	return string(kind) + ":" + owner
}

// ParseReverse splits a reverse index value back into kind and owner.
func ParseReverse(value string) (owner string, kind Kind, err error) {
	k, o, ok := strings.Cut(value, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed reverse index value %q", value)
	}
	return o, Kind(k), nil
}

// KindSet is the canonical membership set for a kind.
func KindSet(kind Kind) string {
	return kindSetPrefix + string(kind)
}
