package lifecycle

import "strings"

// Lifecycle key namespace. All timestamps are stored as RFC 3339 text so
// they round-trip with their zone intact.
const keyPrefix = "lifecycle:"

func expirationKey(channelID string) string { return keyPrefix + channelID + ":expiration_time" }
func deletionKey(channelID string) string   { return keyPrefix + channelID + ":deletion_time" }
func reminderKey(channelID string) string   { return keyPrefix + channelID + ":last_reminder_time" }
func snoozeKey(channelID string) string     { return keyPrefix + channelID + ":snooze_until" }

// RemovedUsersSet is the per-channel exclusion set of manually removed
// players. Membership sync never re-grants anyone in it.
func RemovedUsersSet(channelID string) string {
	return keyPrefix + channelID + ":removed_users"
}

// RemovedHostsSet is the per-channel exclusion set of manually removed hosts.
func RemovedHostsSet(channelID string) string {
	return keyPrefix + channelID + ":removed_hosts"
}

// channelFromKey extracts the channel id from any lifecycle key. Channel
// ids are platform snowflakes and never contain a colon.
func channelFromKey(key string) string {
	rest := strings.TrimPrefix(key, keyPrefix)
	channel, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return channel
}
