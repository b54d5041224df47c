// Package identity links events-platform user ids to chat-platform user
// ids, unique in both directions. Links are created atomically and only
// ever mutated by delete and recreate.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guildops/guildsync/internal/kvstore"
)

// Key namespaces for the two link directions and the membership sets.
const (
	chatKeyPrefix   = "identity:chat:"
	eventsKeyPrefix = "identity:events:"
	linkedChatSet   = "identity:linked:chat"
	linkedEventsSet = "identity:linked:events"
)

// Service is the identity linking transactor.
type Service struct {
	kv     *kvstore.Store
	logger *slog.Logger
}

// NewService creates an identity linking service.
func NewService(log *slog.Logger, kv *kvstore.Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		kv:     kv,
		logger: log.With(slog.String("service", "identity")),
	}
}

// Link links an events-platform user to a chat-platform user. Both
// directions are read first; any existing mapping short-circuits with the
// matching status and no mutation. The commit covers both direction keys
// and both membership sets in one transaction, and the whole
// read-decide-write cycle retries on conflict until it resolves.
func (s *Service) Link(ctx context.Context, eventsID, chatID string) (LinkStatus, error) {
	eventsID = strings.TrimSpace(eventsID)
	chatID = strings.TrimSpace(chatID)
	if eventsID == "" || chatID == "" {
		return 0, errors.New("events id and chat id are required")
	}

	var status LinkStatus
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		existingChat, err := tx.Get(eventsKeyPrefix + eventsID)
		if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
			return err
		}
		existingEvents, err := tx.Get(chatKeyPrefix + chatID)
		if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
			return err
		}

		switch {
		case existingChat == chatID && existingEvents == eventsID:
			status = AlreadyLinkedSame
			return nil
		case existingChat != "":
			status = ConflictEventsUser
			return nil
		case existingEvents != "":
			status = ConflictChatUser
			return nil
		}

		if err := tx.Set(eventsKeyPrefix+eventsID, chatID); err != nil {
			return err
		}
		if err := tx.Set(chatKeyPrefix+chatID, eventsID); err != nil {
			return err
		}
		if err := tx.AddMember(linkedEventsSet, eventsID); err != nil {
			return err
		}
		if err := tx.AddMember(linkedChatSet, chatID); err != nil {
			return err
		}
		status = Linked
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("link %s<->%s: %w", eventsID, chatID, err)
	}

	if status == Linked {
		s.logger.Info("identity linked",
			slog.String("events_user", eventsID),
			slog.String("chat_user", chatID),
		)
	}
	return status, nil
}

// Unlink removes both directions of the chat user's link atomically.
// A missing link is legal and reported as NotLinked.
func (s *Service) Unlink(ctx context.Context, chatID string) (UnlinkStatus, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return 0, errors.New("chat id is required")
	}

	var status UnlinkStatus
	err := s.kv.UpdateRetry(ctx, func(tx *kvstore.Txn) error {
		eventsID, err := tx.Get(chatKeyPrefix + chatID)
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				status = NotLinked
				return nil
			}
			return err
		}
		if err := tx.Delete(chatKeyPrefix + chatID); err != nil {
			return err
		}
		if err := tx.Delete(eventsKeyPrefix + eventsID); err != nil {
			return err
		}
		if err := tx.RemoveMember(linkedChatSet, chatID); err != nil {
			return err
		}
		if err := tx.RemoveMember(linkedEventsSet, eventsID); err != nil {
			return err
		}
		status = Unlinked
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unlink %s: %w", chatID, err)
	}

	if status == Unlinked {
		s.logger.Info("identity unlinked", slog.String("chat_user", chatID))
	}
	return status, nil
}

// ChatUserFor returns the chat user linked to an events-platform user, or
// "" when no link is committed.
func (s *Service) ChatUserFor(ctx context.Context, eventsID string) (string, error) {
	var chatID string
	err := s.kv.View(func(tx *kvstore.Txn) error {
		val, err := tx.Get(eventsKeyPrefix + strings.TrimSpace(eventsID))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		chatID = val
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("lookup chat user for %s: %w", eventsID, err)
	}
	return chatID, nil
}

// EventsUserFor returns the events-platform user linked to a chat user, or
// "" when no link is committed.
func (s *Service) EventsUserFor(ctx context.Context, chatID string) (string, error) {
	var eventsID string
	err := s.kv.View(func(tx *kvstore.Txn) error {
		val, err := tx.Get(chatKeyPrefix + strings.TrimSpace(chatID))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		eventsID = val
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("lookup events user for %s: %w", chatID, err)
	}
	return eventsID, nil
}
