package identity

// LinkStatus is the outcome of a link attempt. Conflicts are expected
// concurrency results, not errors.
type LinkStatus int

const (
	// Linked means a fresh bidirectional link was committed.
	Linked LinkStatus = iota
	// AlreadyLinkedSame means the exact pair was already linked; nothing changed.
	AlreadyLinkedSame
	// ConflictEventsUser means the events-platform user is linked to a different chat user.
	ConflictEventsUser
	// ConflictChatUser means the chat-platform user is linked to a different events user.
	ConflictChatUser
)

func (s LinkStatus) String() string {
	switch s {
	case Linked:
		return "linked"
	case AlreadyLinkedSame:
		return "already_linked"
	case ConflictEventsUser:
		return "conflict_events_user"
	case ConflictChatUser:
		return "conflict_chat_user"
	default:
		return "unknown"
	}
}

// UnlinkStatus is the outcome of an unlink attempt.
type UnlinkStatus int

const (
	// Unlinked means both directions of the link were removed.
	Unlinked UnlinkStatus = iota
	// NotLinked means the chat user had no link; nothing changed.
	NotLinked
)

func (s UnlinkStatus) String() string {
	if s == Unlinked {
		return "unlinked"
	}
	return "not_linked"
}
