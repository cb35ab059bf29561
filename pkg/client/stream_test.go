package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/pkg/events"
)

// streamServer is a minimal dashboard stand-in: it accepts WebSocket
// connections on /ws and exposes each one to the test.
type streamServer struct {
	t      *testing.T
	server *httptest.Server

	mu    sync.Mutex
	conns []*serverConn
	next  chan *serverConn
}

type serverConn struct {
	conn *websocket.Conn
	ctx  context.Context

	mu       sync.Mutex
	received []map[string]any
}

func newStreamServer(t *testing.T) *streamServer {
	s := &streamServer{t: t, next: make(chan *serverConn, 8)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, ctx: r.Context()}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		s.next <- sc

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				sc.mu.Lock()
				sc.received = append(sc.received, msg)
				sc.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *streamServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.next:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("no WebSocket connection arrived")
		return nil
	}
}

func (sc *serverConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sc.conn.Write(ctx, websocket.MessageText, data))
}

func (sc *serverConn) messages() []map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]map[string]any(nil), sc.received...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStreamConnectAndDeliver(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	var mu sync.Mutex
	var frames []Frame
	c.Subscribe(func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	sc.send(t, map[string]any{
		"type":  "event",
		"event": events.DashboardEvent{Type: events.ClaimCreated, IssueID: "repo#1"},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, "frame never delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "event", frames[0].Type)
	require.NotNil(t, frames[0].Event)
	assert.Equal(t, events.ClaimCreated, frames[0].Event.Type)
}

func TestStreamInitialDialFailure(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listens there
	err := c.Connect(context.Background())
	assert.Error(t, err, "initial dial failures surface to the caller")
}

func TestStreamJoinRoomsSentOnConnect(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	// Rooms registered before Connect are joined right after the dial.
	require.NoError(t, c.JoinRooms("board", "logs"))
	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	waitFor(t, func() bool { return len(sc.messages()) >= 1 }, "subscribe frame never arrived")
	msg := sc.messages()[0]
	assert.Equal(t, "subscribe", msg["action"])
	assert.ElementsMatch(t, []any{"board", "logs"}, msg["rooms"])
}

func TestStreamJoinRoomsWhileConnected(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	require.NoError(t, c.JoinRooms("agent:coder-abc123"))

	waitFor(t, func() bool { return len(sc.messages()) >= 1 }, "subscribe frame never arrived")
	msg := sc.messages()[0]
	assert.Equal(t, "subscribe", msg["action"])
	assert.Equal(t, []any{"agent:coder-abc123"}, msg["rooms"])
}

func TestStreamAnswersServerPing(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	var mu sync.Mutex
	var frames []Frame
	c.Subscribe(func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	sc.send(t, map[string]string{"type": "ping"})

	waitFor(t, func() bool { return len(sc.messages()) >= 1 }, "ping answer never arrived")
	assert.Equal(t, "ping", sc.messages()[0]["action"])

	// Heartbeats are not delivered to subscribers.
	mu.Lock()
	assert.Empty(t, frames)
	mu.Unlock()
}

func TestStreamReconnectRejoinsRooms(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	require.NoError(t, c.JoinRooms("board"))
	require.NoError(t, c.Connect(context.Background()))
	first := server.waitConn(t)

	// Server drops the connection; the client reconnects with backoff and
	// re-joins its rooms.
	first.conn.Close(websocket.StatusGoingAway, "restart")

	second := server.waitConn(t)
	waitFor(t, func() bool { return len(second.messages()) >= 1 }, "rooms never re-joined after reconnect")
	msg := second.messages()[0]
	assert.Equal(t, "subscribe", msg["action"])
	assert.Equal(t, []any{"board"}, msg["rooms"])
	assert.NoError(t, c.StreamErr())
}

func TestStreamReconnectExhaustion(t *testing.T) {
	origBase, origTries := reconnectBase, maxReconnectTries
	reconnectBase, maxReconnectTries = 5*time.Millisecond, 3
	t.Cleanup(func() { reconnectBase, maxReconnectTries = origBase, origTries })

	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	// Kill the server; every re-dial fails until the attempt limit trips.
	// Close the hijacked WebSocket too: httptest's Close does not touch
	// hijacked connections, so without this the client never sees the drop.
	server.server.Close()
	_ = sc.conn.CloseNow()

	waitFor(t, func() bool {
		return errors.Is(c.StreamErr(), ErrReconnectExhausted)
	}, "terminal reconnect error never surfaced")
}

func TestStreamDisconnectStopsReconnect(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)

	require.NoError(t, c.Connect(context.Background()))
	server.waitConn(t)

	c.Disconnect()

	// No new connection may arrive after an explicit disconnect.
	select {
	case <-server.next:
		t.Fatal("client reconnected after Disconnect")
	case <-time.After(2 * time.Second):
	}
	assert.NoError(t, c.StreamErr())
}

func TestStreamSubscriberPanicIsolation(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	c.Subscribe(func(Frame) { panic("handler bug") })

	var mu sync.Mutex
	delivered := 0
	c.Subscribe(func(Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)
	sc.send(t, map[string]any{"type": "event", "event": events.DashboardEvent{Type: events.AgentLog}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, "healthy subscriber never received the frame")
}

func TestStreamUnsubscribe(t *testing.T) {
	server := newStreamServer(t)
	c := New(server.server.URL)
	defer c.Disconnect()

	var mu sync.Mutex
	delivered := 0
	unsub := c.Subscribe(func(Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	var mu2 sync.Mutex
	kept := 0
	c.Subscribe(func(Frame) {
		mu2.Lock()
		kept++
		mu2.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	sc := server.waitConn(t)

	unsub()
	sc.send(t, map[string]any{"type": "event", "event": events.DashboardEvent{Type: events.AgentLog}})

	waitFor(t, func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return kept == 1
	}, "remaining subscriber never received the frame")

	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()
}
