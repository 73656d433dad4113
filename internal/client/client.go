// Package client implements per-user aggregation over Connections: a
// Client owns at most one live Connection for a given userId, replacing
// an existing socket (with a LOGIN_DUPLICATED notice to the loser)
// rather than allowing two simultaneous sockets for the same user.
package client

import (
	"sync"

	"go.uber.org/zap"

	"pttrouter/internal/conn"
	"pttrouter/internal/wire"
)

// Sink receives events bubbled up from a Client once its single
// Connection is attached. Implemented by the router.
type Sink interface {
	OnMessage(c *Client, f wire.Frame)
	OnUnregister(c *Client)
}

// Client aggregates at most one Connection per userId.
type Client struct {
	UserID string

	mu     sync.RWMutex
	active *conn.Connection
	sink   Sink
	log    *zap.Logger
}

func newClient(userID string, log *zap.Logger) *Client {
	return &Client{UserID: userID, log: log.With(zap.String("userId", userID))}
}

// attach records connection as c's active Connection. It does not set the
// Connection's sink; that is fixed when the Connection is constructed
// (the router passes the Client to conn.New), so inbound frames and close
// events reach OnMessage/OnClose.
func (c *Client) attach(connection *conn.Connection) {
	c.mu.Lock()
	c.active = connection
	c.mu.Unlock()
}

func (c *Client) OnMessage(f wire.Frame) {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink.OnMessage(c, f)
	}
}

func (c *Client) OnClose() {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink.OnUnregister(c)
	}
}

// Connection returns the currently active Connection, or nil.
func (c *Client) Connection() *conn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Send encodes and writes f on the active Connection, if any.
func (c *Client) Send(f wire.Frame) {
	if active := c.Connection(); active != nil {
		active.SendFrame(f)
	}
}

// Registry owns the live set of Clients, one per userId.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	sink    Sink
	log     *zap.Logger
}

func NewRegistry(sink Sink, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{clients: make(map[string]*Client), sink: sink, log: log.With(zap.String("component", "client"))}
}

// Get returns the Client for userId, if registered.
func (r *Registry) Get(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// EnsureClient returns userId's Client, creating an empty one (no
// active Connection yet) if none exists. Callers use this to obtain a
// stable conn.Sink identity before constructing the Connection that
// will be passed to Register.
func (r *Registry) EnsureClient(userID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.clients[userID]
	if !exists {
		c = newClient(userID, r.log)
		c.sink = r.sink
		r.clients[userID] = c
	}
	return c
}

// Register attaches connection as userId's Client, replacing and
// notifying any pre-existing socket: the loser receives a
// LOGIN_DUPLICATED frame and is closed before the new Connection takes
// over.
func (r *Registry) Register(userID string, connection *conn.Connection) *Client {
	r.mu.Lock()
	c, exists := r.clients[userID]
	if !exists {
		c = newClient(userID, r.log)
		c.sink = r.sink
		r.clients[userID] = c
	}
	r.mu.Unlock()

	if previous := c.Connection(); previous != nil && previous != connection {
		previous.SendFrame(wire.Frame{
			ChannelType: wire.ChannelPrivate,
			MessageType: wire.MessageLoginDuplicated,
			FromID:      wire.BroadcastID,
			ToID:        userID,
		})
		previous.Close()
	}

	c.attach(connection)
	return c
}

// Remove drops userId from the registry iff its active Connection is
// still the one passed in — guards against an in-flight Register
// racing a stale Connection's close.
func (r *Registry) Remove(userID string, connection *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[userID]
	if !ok {
		return
	}
	if c.Connection() != connection {
		return
	}
	delete(r.clients, userID)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns a snapshot of every registered Client.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
