// Package router implements the accept path, frame dispatch, presence
// fan-out, and disconnect path: the component that ties Connection,
// Client, Group, and Presence together per socket.
package router

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pttrouter/internal/auth"
	"pttrouter/internal/client"
	"pttrouter/internal/conn"
	"pttrouter/internal/group"
	"pttrouter/internal/presence"
	"pttrouter/internal/wire"
)

// Role mirrors conn.Role; kept local to avoid forcing every router
// caller to import internal/conn just for the constant names.
const (
	roleMobile    = string(conn.RoleMobile)
	roleWeb       = string(conn.RoleWeb)
	roleDashboard = string(conn.RoleDashboard)
)

// Config carries the runtime knobs the router needs beyond its
// collaborators (ping interval, idle-speaker timeout).
type Config struct {
	PingInterval      time.Duration
	MessageMaxIdleDur time.Duration
	UseAuthentication bool
}

// Router wires the per-instance Connection/Client tables to the
// Presence manager and Group state.
type Router struct {
	clients  *client.Registry
	presence *presence.Manager
	group    *group.State
	resolver *auth.Resolver
	cfg      Config
	log      *zap.Logger

	upgrader gorillaws.Upgrader

	mu         sync.RWMutex
	dashboards map[string]*conn.Connection // keyed by connection key

	// roles records the accept-time role for each userId so the
	// disconnect path knows whether to take the mobile fast-offline
	// branch or the dashboard-set removal branch without re-resolving
	// the token.
	roleMu sync.RWMutex
	roles  map[string]string
}

func New(resolver *auth.Resolver, presenceMgr *presence.Manager, groupState *group.State, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		resolver:   resolver,
		presence:   presenceMgr,
		group:      groupState,
		cfg:        cfg,
		log:        log.With(zap.String("component", "router")),
		dashboards: make(map[string]*conn.Connection),
		roles:      make(map[string]string),
		upgrader: gorillaws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.clients = client.NewRegistry(r, log)
	return r
}

// RunPresenceBridge registers a presence-change listener that forwards a
// PRESENCE_UPDATE frame to every open dashboard socket. It returns right
// after registering; the updates arrive through the presence manager's
// Run loop.
func (r *Router) RunPresenceBridge() {
	r.presence.OnPresenceChange(r.broadcastPresenceUpdate)
}

// RunIdleWatcher periodically clears the current-speaker lock of any
// resident user whose socket has had no inbound activity for longer
// than MessageMaxIdleDur: an idle socket during an active audio turn
// loses its speaker slot, independent of the transport-level ping/pong
// timeout that would eventually close the socket itself. It blocks;
// call from a goroutine.
func (r *Router) RunIdleWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.cfg.MessageMaxIdleDur <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepIdleSpeakers(ctx)
		}
	}
}

// Shutdown closes every resident Connection, the "active Connections"
// step of the supervisor's deterministic shutdown order.
func (r *Router) Shutdown() {
	for _, c := range r.clients.All() {
		if active := c.Connection(); active != nil {
			active.Close()
		}
	}
}

func (r *Router) sweepIdleSpeakers(ctx context.Context) {
	now := time.Now()
	for _, c := range r.clients.All() {
		active := c.Connection()
		if active == nil {
			continue
		}
		if now.Sub(active.LastActivity()) <= r.cfg.MessageMaxIdleDur {
			continue
		}
		if err := r.group.ClearCurrentSpeakerOf(ctx, c.UserID); err != nil {
			r.log.Warn("idle speaker-lock clear failed", zap.String("userId", c.UserID), zap.Error(err))
		}
	}
}

func (r *Router) broadcastPresenceUpdate(upd presence.Update) {
	payload, err := wire.EncodePayload(upd)
	if err != nil {
		r.log.Warn("failed to encode presence update payload", zap.Error(err))
		return
	}
	frame := wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.MessagePresenceUpdate,
		FromID:      wire.BroadcastID,
		ToID:        upd.UserID,
		Payload:     payload,
	}

	r.mu.RLock()
	targets := make([]*conn.Connection, 0, len(r.dashboards))
	for _, c := range r.dashboards {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.IsOpen() {
			c.SendFrame(frame)
		}
	}
}

// Accept handles one inbound handshake: extract token/deviceId, resolve
// the user, upgrade the socket, and branch by role.
func (r *Router) Accept(w http.ResponseWriter, req *http.Request) {
	token, deviceID := extractHandshake(req)

	resolved, err := r.resolver.Resolve(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	role := resolved.Role
	if role == "" {
		role = roleMobile
	}

	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	key := resolved.UserID + ":" + deviceID
	c := r.clients.EnsureClient(resolved.UserID)
	connection := conn.New(key, deviceID, resolved.UserID, resolved.UserID, conn.Role(role), wsConn, r.cfg.PingInterval, c, r.log)
	r.clients.Register(resolved.UserID, connection)

	r.roleMu.Lock()
	r.roles[resolved.UserID] = role
	r.roleMu.Unlock()

	ctx := context.Background()
	switch role {
	case roleWeb, roleDashboard:
		r.mu.Lock()
		r.dashboards[key] = connection
		r.mu.Unlock()
		r.sendSnapshot(ctx, connection)
	default:
		if err := r.presence.SetUserOnline(ctx, resolved.UserID, presence.OnlineOpts{DeviceID: deviceID, Role: role}); err != nil {
			r.log.Warn("setUserOnline failed", zap.String("userId", resolved.UserID), zap.Error(err))
		}
	}

	connection.Run()
}

func (r *Router) sendSnapshot(ctx context.Context, c *conn.Connection) {
	snap, err := r.presence.Snapshot(ctx)
	if err != nil {
		r.log.Warn("presence snapshot failed", zap.Error(err))
		return
	}
	payload, err := wire.EncodePayload(snap)
	if err != nil {
		r.log.Warn("failed to encode presence snapshot payload", zap.Error(err))
		return
	}
	c.SendFrame(wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.MessagePresenceSnapshot,
		FromID:      wire.BroadcastID,
		ToID:        c.UserID,
		Payload:     payload,
	})
}

// OnMessage implements client.Sink: frame dispatch for inbound frames
// from a Client (heartbeat, private unicast, group fan-out).
func (r *Router) OnMessage(c *client.Client, f wire.Frame) {
	ctx := context.Background()

	switch {
	case f.MessageType == wire.MessageHeartbeat:
		if err := r.presence.RefreshHeartbeat(ctx, c.UserID); err != nil {
			r.log.Warn("refreshHeartbeat failed", zap.String("userId", c.UserID), zap.Error(err))
		}

	case f.ChannelType == wire.ChannelPrivate:
		if target, ok := r.clients.Get(f.ToID); ok {
			target.Send(f)
		}
		// Not resident on this instance: dropped silently per spec.

	case f.ChannelType == wire.ChannelGroup && f.MessageType == wire.MessageConnection:
		r.log.Info("device-token registration", zap.String("userId", f.FromID), zap.String("group", f.ToID))

	case f.ChannelType == wire.ChannelGroup:
		members, err := r.group.UsersInsideGroup(ctx, f.ToID)
		if err != nil {
			r.log.Warn("usersInsideGroup failed", zap.String("group", f.ToID), zap.Error(err))
			return
		}
		for _, member := range members {
			if member == f.FromID {
				continue
			}
			if target, ok := r.clients.Get(member); ok {
				target.Send(f)
			}
		}
	}
}

// OnUnregister implements client.Sink: the disconnect path.
func (r *Router) OnUnregister(c *client.Client) {
	ctx := context.Background()

	if err := r.group.ClearCurrentSpeakerOf(ctx, c.UserID); err != nil {
		r.log.Warn("clearCurrentSpeakerOf failed", zap.String("userId", c.UserID), zap.Error(err))
	}

	r.roleMu.Lock()
	role := r.roles[c.UserID]
	delete(r.roles, c.UserID)
	r.roleMu.Unlock()

	switch role {
	case roleWeb, roleDashboard:
		r.mu.Lock()
		for key, dash := range r.dashboards {
			if dash == c.Connection() {
				delete(r.dashboards, key)
			}
		}
		r.mu.Unlock()
	default:
		if err := r.presence.SetUserOffline(ctx, c.UserID); err != nil {
			r.log.Warn("setUserOffline failed", zap.String("userId", c.UserID), zap.Error(err))
		}
	}

	r.clients.Remove(c.UserID, c.Connection())
}

// extractHandshake reads the "[token, deviceId]" websocket subprotocol
// pair, falling back to headers/query parameters for clients that
// cannot set subprotocols.
func extractHandshake(req *http.Request) (token, deviceID string) {
	if protos := gorillaws.Subprotocols(req); len(protos) > 0 {
		token = strings.TrimSpace(protos[0])
		if len(protos) > 1 {
			deviceID = strings.TrimSpace(protos[1])
		}
	}
	if token == "" {
		token = firstNonEmpty(req.Header.Get("token"), req.Header.Get("voicepingtoken"), req.URL.Query().Get("token"))
	}
	if deviceID == "" {
		deviceID = firstNonEmpty(req.Header.Get("device_id"), req.Header.Get("deviceid"), req.URL.Query().Get("device_id"))
	}
	return token, deviceID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
