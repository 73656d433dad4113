// Package presence implements the distributed presence manager:
// online/offline state with TTL, pub/sub transition publication,
// keyspace-event-driven expiry, and bulk/snapshot queries.
//
// State is split across presence:user:{id} (a TTL'd existence marker)
// and presence:meta:{id} (a persistent hash), so lastSeen never
// regresses across an offline transition: the meta hash survives a TTL
// expiry that deletes the existence marker outright.
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pttrouter/internal/store"
)

// Status is a single user's derived online/offline state.
type Status struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"` // "online" | "offline"
	LastSeen int64  `json:"lastSeen"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Update is the JSON envelope published on transition channels.
type Update struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// OnlineOpts carries the device/role pair recorded with an online
// transition.
type OnlineOpts struct {
	DeviceID string
	Role     string
}

// Mirror is the optional external sink for status transitions. A nil
// Mirror is a no-op.
type Mirror interface {
	MirrorStatus(userID, status string, lastSeen int64)
}

// Manager is the presence state machine.
type Manager struct {
	store  *store.Store
	ttl    time.Duration
	mirror Mirror
	log    *zap.Logger

	mu        sync.RWMutex
	listeners []func(Update)
}

// New builds a Manager. ttl is presence.ttl from configuration (defaults
// to 120s, several missed heartbeats of slack before a flaky connection
// is marked offline).
func New(st *store.Store, ttl time.Duration, mirror Mirror, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &Manager{store: st, ttl: ttl, mirror: mirror, log: log.With(zap.String("component", "presence"))}
}

// OnPresenceChange registers a listener invoked once per inbound pub/sub
// message on presence:online|offline|updates. Call Run to start
// consuming the Store's pub/sub feed.
func (m *Manager) OnPresenceChange(cb func(Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, cb)
}

// Run subscribes to the presence transition channels and the Store's
// expiry channel, dispatching to registered listeners and driving the
// expiry path. It blocks until ctx is cancelled; call it from a
// goroutine.
func (m *Manager) Run(ctx context.Context) {
	patterns := []string{
		store.ChannelPresenceOnline,
		store.ChannelPresenceOffline,
		store.ChannelPresenceUpdates,
		store.ChannelKeyEventExpired,
	}
	m.store.Subscribe(ctx, patterns, func(channel string, payload []byte) {
		if channel == store.ChannelKeyEventExpired {
			m.handleExpiry(ctx, string(payload))
			return
		}
		m.dispatch(payload)
	})
}

func (m *Manager) handleExpiry(ctx context.Context, expiredKey string) {
	userID, ok := store.UserIDFromPresenceKey(expiredKey)
	if !ok {
		return
	}
	if err := m.SetUserOffline(ctx, userID); err != nil {
		m.log.Warn("offline transition on expiry failed", zap.String("userId", userID), zap.Error(err))
	}
}

func (m *Manager) dispatch(payload []byte) {
	var upd Update
	if err := jsonUnmarshal(payload, &upd); err != nil {
		return
	}
	m.mu.RLock()
	listeners := append([]func(Update){}, m.listeners...)
	m.mu.RUnlock()
	for _, cb := range listeners {
		cb(upd)
	}
}

// SetUserOnline marks userId online with a fresh TTL, writes meta, and
// publishes the transition. Non-blocking on the caller beyond the Store
// round-trip itself.
func (m *Manager) SetUserOnline(ctx context.Context, userID string, opts OnlineOpts) error {
	now := nowMillis()

	pipe := m.store.Cmd().TxPipeline()
	pipe.Set(ctx, store.KeyPresence(userID), "1", m.ttl)
	pipe.HSet(ctx, store.KeyPresenceMeta(userID),
		"status", "online",
		"lastSeen", now,
		"deviceId", opts.DeviceID,
		"role", opts.Role,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	m.publishTransition(ctx, Update{
		Type: "presence_update", UserID: userID, Status: "online",
		Timestamp: now, LastSeen: now, DeviceID: opts.DeviceID,
	})
	m.mirrorAsync(userID, "online", now)
	return nil
}

// RefreshHeartbeat extends the TTL on presence:user:{id} and updates
// lastSeen, without publishing a transition (state is unchanged). It is
// idempotent once the key has already expired: the EXPIRE below simply
// becomes a no-op against a missing key rather than resurrecting the
// user silently.
func (m *Manager) RefreshHeartbeat(ctx context.Context, userID string) error {
	ok, err := m.store.Cmd().Expire(ctx, store.KeyPresence(userID), m.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.store.Cmd().HSet(ctx, store.KeyPresenceMeta(userID), "lastSeen", nowMillis()).Err()
}

// SetUserOffline deletes the existence marker, records the offline
// transition in meta (lastSeen still advances), and publishes. Two
// concurrent calls for the same user are observationally equivalent to
// one: the second is a no-op delete plus an idempotent meta overwrite.
func (m *Manager) SetUserOffline(ctx context.Context, userID string) error {
	now := nowMillis()

	pipe := m.store.Cmd().TxPipeline()
	pipe.Del(ctx, store.KeyPresence(userID))
	pipe.HSet(ctx, store.KeyPresenceMeta(userID), "status", "offline", "lastSeen", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	m.publishTransition(ctx, Update{
		Type: "presence_update", UserID: userID, Status: "offline",
		Timestamp: now, LastSeen: now,
	})
	m.mirrorAsync(userID, "offline", now)
	return nil
}

func (m *Manager) publishTransition(ctx context.Context, upd Update) {
	channel := store.ChannelPresenceOnline
	if upd.Status == "offline" {
		channel = store.ChannelPresenceOffline
	}
	data, err := jsonMarshal(upd)
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, channel, data); err != nil {
		m.log.Warn("presence publish failed", zap.String("channel", channel), zap.Error(err))
	}
	if err := m.store.Publish(ctx, store.ChannelPresenceUpdates, data); err != nil {
		m.log.Warn("presence publish failed", zap.String("channel", store.ChannelPresenceUpdates), zap.Error(err))
	}
}

func (m *Manager) mirrorAsync(userID, status string, lastSeen int64) {
	if m.mirror == nil {
		return
	}
	go m.mirror.MirrorStatus(userID, status, lastSeen)
}

// BulkStatus derives a Status per requested user from the presence
// existence marker and meta hash.
func (m *Manager) BulkStatus(ctx context.Context, userIDs []string) ([]Status, error) {
	out := make([]Status, 0, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := m.store.Cmd().Pipeline()
	existsCmds := make(map[string]*goredis.IntCmd, len(userIDs))
	metaCmds := make(map[string]*goredis.MapStringStringCmd, len(userIDs))
	for _, id := range userIDs {
		existsCmds[id] = pipe.Exists(ctx, store.KeyPresence(id))
		metaCmds[id] = pipe.HGetAll(ctx, store.KeyPresenceMeta(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, err
	}

	for _, id := range userIDs {
		exists := existsCmds[id].Val() > 0
		meta := metaCmds[id].Val()
		out = append(out, deriveStatus(id, exists, meta))
	}
	return out, nil
}

func deriveStatus(userID string, exists bool, meta map[string]string) Status {
	lastSeen, _ := strconv.ParseInt(meta["lastSeen"], 10, 64)
	hasMeta := len(meta) > 0

	switch {
	case exists && hasMeta:
		return Status{UserID: userID, Status: "online", LastSeen: lastSeen, DeviceID: meta["deviceId"]}
	case !exists && hasMeta:
		return Status{UserID: userID, Status: "offline", LastSeen: lastSeen}
	default:
		return Status{UserID: userID, Status: "offline", LastSeen: 0}
	}
}

// Snapshot enumerates every currently-existing presence:user:* key and
// bulks the meta for those ids, for the dashboard PRESENCE_SNAPSHOT
// frame sent on accept.
type SnapshotResult struct {
	Users       []Status
	TotalOnline int
	Timestamp   int64
}

func (m *Manager) Snapshot(ctx context.Context) (SnapshotResult, error) {
	var userIDs []string
	iter := m.store.Cmd().Scan(ctx, 0, store.PresenceUserPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if id, ok := store.UserIDFromPresenceKey(key); ok {
			userIDs = append(userIDs, id)
		}
	}
	if err := iter.Err(); err != nil {
		return SnapshotResult{}, err
	}

	statuses, err := m.BulkStatus(ctx, userIDs)
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{Users: statuses, TotalOnline: len(statuses), Timestamp: nowMillis()}, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
