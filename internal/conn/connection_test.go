package conn

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pttrouter/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []wire.Frame
	closed bool
	doneCh chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{doneCh: make(chan struct{})}
}

func (r *recordingSink) OnMessage(f wire.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recordingSink) OnClose() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	close(r.doneCh)
}

func (r *recordingSink) snapshot() ([]wire.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]wire.Frame{}, r.frames...)
	return out, r.closed
}

// serverAndClient upgrades an inbound request into a Connection wired to
// sink, and returns a plain client-side *websocket.Conn to drive it.
func serverAndClient(t *testing.T, sink Sink, pingInterval time.Duration) (*Connection, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := New("k1", "dev1", "cl1", "userA", RoleMobile, wsConn, pingInterval, sink, nil)
		connCh <- c
		go c.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return <-connCh, clientConn
}

func TestConnectionDecodesInboundFrames(t *testing.T) {
	sink := newRecordingSink()
	_, client := serverAndClient(t, sink, 0)

	data, err := wire.Encode(wire.Frame{
		ChannelType: wire.ChannelPrivate,
		MessageType: wire.MessageText,
		FromID:      "userA",
		ToID:        "userB",
		Payload:     []byte("hi"),
	})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, data))

	require.Eventually(t, func() bool {
		frames, _ := sink.snapshot()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)

	frames, _ := sink.snapshot()
	require.Equal(t, "userA", frames[0].FromID)
	require.Equal(t, "userB", frames[0].ToID)
}

func TestConnectionSendDeliversToPeer(t *testing.T) {
	sink := newRecordingSink()
	c, client := serverAndClient(t, sink, 0)

	c.SendFrame(wire.Frame{ChannelType: wire.ChannelGroup, MessageType: wire.MessageAudio, FromID: "userA", ToID: "G1", Payload: []byte{1, 2, 3}})

	client.SetReadDeadline(time.Now().Add(time.Second))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	frame, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, "G1", frame.ToID)
}

func TestConnectionCloseFiresOnCloseOnce(t *testing.T) {
	sink := newRecordingSink()
	c, client := serverAndClient(t, sink, 0)

	client.Close()

	select {
	case <-sink.doneCh:
	case <-time.After(time.Second):
		t.Fatal("OnClose was never called")
	}
	_, closed := sink.snapshot()
	require.True(t, closed)

	// Closing again must not panic or double-fire.
	c.Close()
}

func TestConnectionClosesOnReadDeadlineTimeout(t *testing.T) {
	sink := newRecordingSink()
	// pingInterval 20ms -> pongWait 30ms: short enough to exercise the
	// timeout without the peer ever answering a ping or sending a frame.
	c, _ := serverAndClient(t, sink, 20*time.Millisecond)

	select {
	case <-sink.doneCh:
	case <-time.After(time.Second):
		t.Fatal("connection was never closed after its read deadline elapsed")
	}
	require.False(t, c.IsOpen())
}

func TestConnectionRespondsToPeerPing(t *testing.T) {
	sink := newRecordingSink()
	_, client := serverAndClient(t, sink, 0)

	pongCh := make(chan string, 1)
	client.SetPongHandler(func(appData string) error {
		pongCh <- appData
		return nil
	})
	require.NoError(t, client.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))

	go func() {
		client.SetReadDeadline(time.Now().Add(time.Second))
		client.ReadMessage()
	}()

	select {
	case payload := <-pongCh:
		require.Equal(t, "userA", payload)
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}
