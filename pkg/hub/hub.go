// Package hub fans dashboard events out to WebSocket clients grouped into
// rooms. Each server process has one Hub instance.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/models"
)

// Heartbeat tuning. The hub pings every connection on the interval and drops
// connections that have been silent for longer than the idle timeout.
const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// SnapshotFetcher supplies the full board state sent to a client when it
// joins the board room, so late joiners never render from a partial stream.
type SnapshotFetcher interface {
	FetchBoard(ctx context.Context) ([]*models.Claim, error)
}

// Hub manages WebSocket connections and room subscriptions.
type Hub struct {
	// Active connections: connection_id → *connection
	connections map[string]*connection
	mu          sync.RWMutex

	// Room subscriptions: room → set of connection_ids
	rooms  map[string]map[string]bool
	roomMu sync.RWMutex

	snapshots SnapshotFetcher

	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
}

// connection is a single WebSocket client.
//
// rooms is accessed without a lock: all reads and writes happen on the
// goroutine that owns the connection (HandleConnection's read loop and its
// deferred cleanup).
type connection struct {
	id     string
	conn   *websocket.Conn
	rooms  map[string]bool
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes writes so concurrent broadcasts never interleave
	// frames on the wire.
	writeMu sync.Mutex

	// lastSeen is the time of the last frame received from the client,
	// guarded by seenMu because the heartbeat goroutine reads it.
	seenMu   sync.Mutex
	lastSeen time.Time
}

// New creates a hub. snapshots may be nil, in which case board joins get no
// initial snapshot frame.
func New(snapshots SnapshotFetcher, writeTimeout time.Duration) *Hub {
	return &Hub{
		connections:       make(map[string]*connection),
		rooms:             make(map[string]map[string]bool),
		snapshots:         snapshots,
		writeTimeout:      writeTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		idleTimeout:       defaultIdleTimeout,
	}
}

// clientFrame is the only message shape clients may send.
type clientFrame struct {
	Action string   `json:"action"`
	Rooms  []string `json:"rooms"`
}

// HandleConnection manages the lifecycle of one WebSocket connection. Called
// by the HTTP handler after upgrade; blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:       uuid.New().String(),
		conn:     conn,
		rooms:    make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		lastSeen: time.Now(),
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":         "connection.established",
		"connectionId": c.id,
	})

	go h.heartbeat(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(c, "INVALID_MESSAGE", "frames must be JSON objects")
			continue
		}
		h.handleFrame(ctx, c, &frame)
	}
}

// handleFrame dispatches one client frame.
func (h *Hub) handleFrame(ctx context.Context, c *connection, frame *clientFrame) {
	switch frame.Action {
	case "subscribe":
		if len(frame.Rooms) == 0 {
			h.sendError(c, "INVALID_MESSAGE", "rooms is required for subscribe")
			return
		}
		joinedBoard := false
		for _, room := range frame.Rooms {
			if c.rooms[room] {
				continue
			}
			h.join(c, room)
			if room == events.RoomBoard {
				joinedBoard = true
			}
		}
		h.sendJSON(c, map[string]any{
			"type":  "subscription.confirmed",
			"rooms": frame.Rooms,
		})
		// A fresh board join gets the full state up front, so late joiners
		// never render from a partial delta stream.
		if joinedBoard {
			h.sendBoardSnapshot(ctx, c)
		}

	case "unsubscribe":
		if len(frame.Rooms) == 0 {
			h.sendError(c, "INVALID_MESSAGE", "rooms is required for unsubscribe")
			return
		}
		for _, room := range frame.Rooms {
			h.leave(c, room)
		}

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})

	default:
		h.sendError(c, "INVALID_MESSAGE", "unknown action: "+frame.Action)
	}
}

// Broadcast routes one dashboard event to every connection subscribed to any
// of its target rooms. A connection in multiple target rooms receives the
// event once.
func (h *Hub) Broadcast(e events.DashboardEvent) {
	rooms := events.EventRooms(e)
	if len(rooms) == 0 {
		return
	}

	h.roomMu.RLock()
	ids := make(map[string]bool)
	for _, room := range rooms {
		for id := range h.rooms[room] {
			ids[id] = true
		}
	}
	h.roomMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	data, err := json.Marshal(map[string]any{
		"type":  "event",
		"event": e,
	})
	if err != nil {
		slog.Error("Failed to marshal dashboard event", "event_type", e.Type, "error", err)
		return
	}

	// Snapshot connection pointers, then release before sending so slow
	// writes never stall register/unregister.
	h.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for id := range ids {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

// BroadcastCommand sends an orchestrator command frame to every connection.
func (h *Hub) BroadcastCommand(command string, args map[string]any) {
	payload := map[string]any{
		"type":    "orchestrator.command",
		"command": command,
	}
	if len(args) > 0 {
		payload["args"] = args
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal command frame", "command", command, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send command to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// roomSize returns the number of subscribers in a room.
// Unexported, used by tests to poll instead of sleeping.
func (h *Hub) roomSize(room string) int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(c *connection, room string) {
	h.roomMu.Lock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][c.id] = true
	h.roomMu.Unlock()

	c.rooms[room] = true
}

func (h *Hub) leave(c *connection, room string) {
	h.roomMu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.roomMu.Unlock()

	delete(c.rooms, room)
}

// sendBoardSnapshot pushes the current full claim list to a freshly joined
// board subscriber.
func (h *Hub) sendBoardSnapshot(ctx context.Context, c *connection) {
	if h.snapshots == nil {
		return
	}
	claims, err := h.snapshots.FetchBoard(ctx)
	if err != nil {
		slog.Error("Board snapshot fetch failed", "connection_id", c.id, "error", err)
		return
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	h.sendJSON(c, map[string]any{
		"type":   "snapshot",
		"claims": claims,
	})
}

// heartbeat pings the client on an interval and closes the connection when it
// has been silent past the idle timeout.
func (h *Hub) heartbeat(c *connection) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.seen()) > h.idleTimeout {
				slog.Info("Closing idle WebSocket connection", "connection_id", c.id)
				_ = c.conn.Close(websocket.StatusGoingAway, "idle timeout")
				c.cancel()
				return
			}
			h.sendJSON(c, map[string]string{"type": "ping"})
		}
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	for room := range c.rooms {
		h.leave(c, room)
	}

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendError(c *connection, code, message string) {
	h.sendJSON(c, map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

func (h *Hub) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.id, "error", err)
	}
}

// sendRaw writes one frame with the write timeout. The per-connection mutex
// keeps concurrent broadcasters from interleaving partial frames.
func (h *Hub) sendRaw(c *connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *connection) touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

func (c *connection) seen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeen
}
