// Package conn implements the lifecycle of a single full-duplex socket:
// frame parsing via the wire codec, liveness ping/pong in either
// direction, and clean close with listener detachment before the
// connection surfaces exactly one close event.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pttrouter/internal/wire"
)

// Role distinguishes the three kinds of socket the router accepts.
type Role string

const (
	RoleMobile    Role = "mobile"
	RoleWeb       Role = "web"
	RoleDashboard Role = "dashboard"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 256 * 1024
	maxPongPayload = 125 // websocket control-frame payload limit

	// defaultPongWait is the read-deadline window used when no
	// pingInterval is configured (pingInterval <= 0, i.e. this side never
	// pings and only answers the peer's pings).
	defaultPongWait = 60 * time.Second
)

// Sink receives events from a Connection. Implemented by Client: the
// owning object is simply dropped, so there is nothing to unsubscribe.
type Sink interface {
	OnMessage(f wire.Frame)
	OnClose()
}

// Connection owns one socket's lifecycle.
type Connection struct {
	Key      string
	DeviceID string
	ClientID string
	UserID   string
	Role     Role

	conn *websocket.Conn
	send chan []byte
	sink Sink
	log  *zap.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	mu           sync.RWMutex
	lastActivity time.Time

	closing int32
	closed  chan struct{}
}

// New constructs a Connection and wires it to sink. Call Run to start
// its read/write pumps.
func New(key, deviceID, clientID, userID string, role Role, wsConn *websocket.Conn, pingInterval time.Duration, sink Sink, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	pongWait := defaultPongWait
	if pingInterval > 0 {
		pongWait = (pingInterval * 3) / 2
	}
	return &Connection{
		Key: key, DeviceID: deviceID, ClientID: clientID, UserID: userID, Role: role,
		conn:         wsConn,
		send:         make(chan []byte, 64),
		sink:         sink,
		log:          log.With(zap.String("component", "conn"), zap.String("userId", userID)),
		pingInterval: pingInterval,
		pongWait:     pongWait,
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}
}

// LastActivity returns the last time any inbound frame or control frame
// was observed on this socket.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Run starts the read and write pumps. It returns once both have exited.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.readPump() }()
	wg.Wait()
}

func (c *Connection) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	// Either side may be the pinger: when the peer pings us, we answer
	// with a pong carrying the resolved userId, truncated to the
	// control-frame limit.
	c.conn.SetPingHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		payload := c.UserID
		if len(payload) > maxPongPayload {
			payload = payload[:maxPongPayload]
		}
		err := c.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			// Includes the read deadline expiring on an unresponsive peer:
			// ReadMessage returns a timeout error, ending the pump and
			// triggering Close via the deferred call above.
			return
		}
		c.touch()
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			// MALFORMED_INPUT: log and continue, never disconnect on a
			// single bad frame.
			c.log.Warn("malformed inbound frame", zap.Error(err))
			continue
		}
		c.sink.OnMessage(frame)
	}
}

func (c *Connection) writePump() {
	var ticker *time.Ticker
	var tickerC <-chan time.Time
	if c.pingInterval > 0 {
		ticker = time.NewTicker(c.pingInterval)
		tickerC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-tickerC:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send writes raw bytes to the socket iff it is open, swallowing
// exceptions.
func (c *Connection) Send(data []byte) {
	if atomic.LoadInt32(&c.closing) != 0 {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
	}
}

// SendFrame encodes f and sends it.
func (c *Connection) SendFrame(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		c.log.Warn("failed to encode outbound frame", zap.Error(err))
		return
	}
	c.Send(data)
}

// IsOpen reports whether the socket is still accepting writes.
func (c *Connection) IsOpen() bool {
	return atomic.LoadInt32(&c.closing) == 0
}

// Close closes the socket exactly once, detaching listeners before
// surfacing a single close event upstream.
func (c *Connection) Close() {
	if !atomic.CompareAndSwapInt32(&c.closing, 0, 1) {
		return
	}
	close(c.closed)
	c.conn.Close()
	sink := c.sink
	c.sink = nil
	if sink != nil {
		sink.OnClose()
	}
}
