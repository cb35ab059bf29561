package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crewdeck/crewdeck/pkg/backoff"
	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/models"
)

// dialTimeout bounds one WebSocket dial.
const dialTimeout = 10 * time.Second

// Reconnect policy. Vars so tests can shrink the schedule.
var (
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	maxReconnectTries = 10
)

// ErrReconnectExhausted is the terminal stream error after the reconnect
// attempt limit is hit.
var ErrReconnectExhausted = errors.New("event stream reconnect attempts exhausted")

// Frame is one server-to-client stream message.
type Frame struct {
	Type    string                 `json:"type"`
	Event   *events.DashboardEvent `json:"event,omitempty"`
	Claims  []*models.Claim        `json:"claims,omitempty"`
	Command string                 `json:"command,omitempty"`
	Args    map[string]any         `json:"args,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// FrameHandler receives stream frames.
type FrameHandler func(Frame)

// Unsubscribe removes a previously registered frame handler.
type Unsubscribe func()

// stream owns the WebSocket side of the client: one connection, one pending
// reconnect timer at a time.
type stream struct {
	client *Client

	mu           sync.Mutex
	conn         *websocket.Conn
	connCtx      context.Context
	connCancel   context.CancelFunc
	rooms        []string // rooms re-joined after every (re)connect
	attempts     int
	timer        *time.Timer
	disconnected bool
	terminalErr  error

	subMu       sync.Mutex
	nextSub     int
	subscribers map[int]FrameHandler
}

func newStream(c *Client) *stream {
	return &stream{
		client:      c,
		subscribers: make(map[int]FrameHandler),
	}
}

// Connect opens the event stream. The initial dial failure is returned to
// the caller; later disconnects reconnect silently with backoff.
func (c *Client) Connect(ctx context.Context) error {
	return c.stream.connect(ctx, true)
}

// Disconnect closes the stream and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.stream.disconnect()
}

// Subscribe registers a handler for every incoming stream frame. A handler
// panic is logged and never kills the delivery loop.
func (c *Client) Subscribe(fn FrameHandler) Unsubscribe {
	return c.stream.subscribe(fn)
}

// JoinRooms subscribes the stream to the given rooms, now and after every
// reconnect.
func (c *Client) JoinRooms(rooms ...string) error {
	return c.stream.joinRooms(rooms)
}

// StreamErr returns the terminal stream error, if any.
func (c *Client) StreamErr() error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.stream.terminalErr
}

func (s *stream) connect(ctx context.Context, initial bool) error {
	wsURL := strings.Replace(s.client.baseURL, "http", "ws", 1) + "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{})
	if err != nil {
		if initial {
			return err
		}
		s.scheduleReconnect()
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = connCancel
	s.attempts = 0
	s.disconnected = false
	rooms := append([]string(nil), s.rooms...)
	s.mu.Unlock()

	if len(rooms) > 0 {
		if err := s.sendSubscribe(rooms); err != nil {
			slog.Warn("Failed to re-join rooms after connect", "error", err)
		}
	}

	go s.readLoop(conn, connCtx)
	return nil
}

func (s *stream) disconnect() {
	s.mu.Lock()
	s.disconnected = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (s *stream) subscribe(fn FrameHandler) Unsubscribe {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *stream) joinRooms(rooms []string) error {
	s.mu.Lock()
	for _, room := range rooms {
		known := false
		for _, r := range s.rooms {
			if r == room {
				known = true
				break
			}
		}
		if !known {
			s.rooms = append(s.rooms, room)
		}
	}
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.sendSubscribe(rooms)
}

func (s *stream) sendSubscribe(rooms []string) error {
	data, err := json.Marshal(map[string]any{
		"action": "subscribe",
		"rooms":  rooms,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop delivers frames until the connection drops, then hands off to the
// reconnect scheduler unless the drop was an explicit disconnect.
func (s *stream) readLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			wasDisconnect := s.disconnected
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()

			if !wasDisconnect {
				slog.Info("Event stream closed, scheduling reconnect", "error", err)
				s.scheduleReconnect()
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid stream frame", "error", err)
			continue
		}

		// Heartbeats are answered, never delivered or debug-logged.
		if frame.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"action": "ping"})
			_ = conn.Write(ctx, websocket.MessageText, pong)
			continue
		}
		if frame.Type == "pong" {
			continue
		}

		s.deliver(frame)
	}
}

func (s *stream) deliver(frame Frame) {
	s.subMu.Lock()
	fns := make([]FrameHandler, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Stream subscriber panicked", "panic", r, "frame_type", frame.Type)
				}
			}()
			fn(frame)
		}()
	}
}

// scheduleReconnect arms the single reconnect timer. Attempts past the limit
// surface ErrReconnectExhausted via StreamErr.
func (s *stream) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected || s.timer != nil {
		return
	}
	if s.attempts >= maxReconnectTries {
		s.terminalErr = ErrReconnectExhausted
		slog.Error("Event stream reconnect attempts exhausted", "attempts", s.attempts)
		return
	}

	delay := backoff.Delay(reconnectBase, s.attempts, reconnectCap)
	s.attempts++
	attempt := s.attempts
	slog.Info("Reconnecting event stream", "attempt", attempt, "delay", delay)

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		stopped := s.disconnected
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.connect(context.Background(), false); err != nil {
			slog.Warn("Event stream reconnect failed", "attempt", attempt, "error", err)
		}
	})
}
