package store

// Key and channel naming for every piece of shared state this module
// keeps in the Store. Kept as pure functions with no Store dependency so
// callers and tests can reason about names without a live connection.
const (
	ChannelPresenceOnline  = "presence:online"
	ChannelPresenceOffline = "presence:offline"
	ChannelPresenceUpdates = "presence:updates"

	// ChannelKeyEventExpired is the Store's expired-key keyspace-event
	// channel for DB 0, enabled via EnableKeyspaceEvents.
	ChannelKeyEventExpired = "__keyevent@0__:expired"

	PresenceUserPrefix = "presence:user:"
	PresenceMetaPrefix = "presence:meta:"
)

// KeyPresence is the TTL'd existence marker for a user's online state.
func KeyPresence(id string) string { return PresenceUserPrefix + id }

// KeyPresenceMeta is the persistent (no-TTL) hash of a user's last known
// status, holding status/lastSeen/deviceId/role.
func KeyPresenceMeta(id string) string { return PresenceMetaPrefix + id }

// KeyGroupMembers is the Set of UserIds belonging to a group.
func KeyGroupMembers(group string) string { return "group:members:" + group }

// KeyGroupCurrent is the current-speaker lock for a group.
func KeyGroupCurrent(group string) string { return "group:current:" + group }

// KeyUserGroups is the Set of GroupIds a user belongs to.
func KeyUserGroups(user string) string { return "user:groups:" + user }

// UserIDFromPresenceKey extracts the UserId out of an expired
// presence:user:{id} key, as observed on ChannelKeyEventExpired. Returns
// ("", false) if key does not match the presence:user: prefix.
func UserIDFromPresenceKey(key string) (string, bool) {
	if len(key) <= len(PresenceUserPrefix) || key[:len(PresenceUserPrefix)] != PresenceUserPrefix {
		return "", false
	}
	return key[len(PresenceUserPrefix):], true
}
