package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// DiscordClient implements Client against a single Discord guild.
type DiscordClient struct {
	session *discordgo.Session
	guildID string
	logger  *slog.Logger
}

// NewDiscordClient creates a Discord-backed chat client for one guild.
// The session uses plain REST calls; no gateway connection is opened.
func NewDiscordClient(log *slog.Logger, token, guildID string) (*DiscordClient, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordClient{
		session: session,
		guildID: guildID,
		logger:  log.With(slog.String("service", "discord")),
	}, nil
}

// CreateChannel creates a text or voice channel in the guild.
func (c *DiscordClient) CreateChannel(ctx context.Context, desc ChannelDescriptor) (string, error) {
	channelType := discordgo.ChannelTypeGuildText
	if desc.Voice {
		channelType = discordgo.ChannelTypeGuildVoice
	}
	channel, err := c.session.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:     desc.Name,
		Type:     channelType,
		Topic:    desc.Topic,
		ParentID: desc.ParentID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create channel %q: %w", desc.Name, wrapNotFound(err))
	}
	c.logger.Info("channel created", slog.String("channel", channel.ID), slog.String("name", desc.Name))
	return channel.ID, nil
}

// CreateRole creates a guild role.
func (c *DiscordClient) CreateRole(ctx context.Context, desc RoleDescriptor) (string, error) {
	color := desc.Color
	mentionable := desc.Mentionable
	role, err := c.session.GuildRoleCreate(c.guildID, &discordgo.RoleParams{
		Name:        desc.Name,
		Color:       &color,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create role %q: %w", desc.Name, wrapNotFound(err))
	}
	c.logger.Info("role created", slog.String("role", role.ID), slog.String("name", desc.Name))
	return role.ID, nil
}

// DeleteChannel deletes a channel. A missing channel returns ErrNotFound.
func (c *DiscordClient) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := c.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete channel %q: %w", channelID, wrapNotFound(err))
	}
	return nil
}

// DeleteRole deletes a guild role. A missing role returns ErrNotFound.
func (c *DiscordClient) DeleteRole(ctx context.Context, roleID string) error {
	if err := c.session.GuildRoleDelete(c.guildID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete role %q: %w", roleID, wrapNotFound(err))
	}
	return nil
}

// ResourceExists checks remote existence with an authoritative API call.
func (c *DiscordClient) ResourceExists(ctx context.Context, rt ResourceType, id string) (bool, error) {
	switch rt {
	case ResourceChannel:
		_, err := c.session.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("check channel %q: %w", id, err)
		}
		return true, nil
	case ResourceRole:
		roles, err := c.session.GuildRoles(c.guildID, discordgo.WithContext(ctx))
		if err != nil {
			return false, fmt.Errorf("check role %q: %w", id, err)
		}
		for _, role := range roles {
			if role.ID == id {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown resource type %q", rt)
	}
}

// AddRole grants a role to a guild member.
func (c *DiscordClient) AddRole(ctx context.Context, userID, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(c.guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("add role %q to %q: %w", roleID, userID, wrapNotFound(err))
	}
	return nil
}

// RemoveRole revokes a role from a guild member.
func (c *DiscordClient) RemoveRole(ctx context.Context, userID, roleID string) error {
	if err := c.session.GuildMemberRoleRemove(c.guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("remove role %q from %q: %w", roleID, userID, wrapNotFound(err))
	}
	return nil
}

// MembersWithRole pages through the guild member list and returns the ids
// of members holding roleID.
func (c *DiscordClient) MembersWithRole(ctx context.Context, roleID string) ([]string, error) {
	var holders []string
	after := ""
	for {
		members, err := c.session.GuildMembers(c.guildID, after, 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list members: %w", wrapNotFound(err))
		}
		if len(members) == 0 {
			return holders, nil
		}
		for _, member := range members {
			for _, r := range member.Roles {
				if r == roleID {
					holders = append(holders, member.User.ID)
					break
				}
			}
		}
		after = members[len(members)-1].User.ID
	}
}

// ApplyPermissionOverwrite sets a single allow/deny rule on a channel.
// Existing overwrites for other targets are untouched.
func (c *DiscordClient) ApplyPermissionOverwrite(ctx context.Context, channelID string, rule PermissionOverwrite) error {
	targetType := discordgo.PermissionOverwriteTypeRole
	if rule.TargetType == OverwriteMember {
		targetType = discordgo.PermissionOverwriteTypeMember
	}
	err := c.session.ChannelPermissionSet(
		channelID, rule.TargetID, targetType, rule.Allow, rule.Deny,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("set overwrite on %q for %q: %w", channelID, rule.TargetID, wrapNotFound(err))
	}
	return nil
}

// SendMessage posts a plain message to a channel.
func (c *DiscordClient) SendMessage(ctx context.Context, channelID, content string) error {
	if _, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send message to %q: %w", channelID, wrapNotFound(err))
	}
	return nil
}

// EveryoneRoleID returns the implicit everyone role, which Discord gives
// the same id as the guild.
func (c *DiscordClient) EveryoneRoleID() string {
	return c.guildID
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func wrapNotFound(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
