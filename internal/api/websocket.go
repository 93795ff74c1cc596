package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/infrastructure/config"
	"github.com/icaro258/iotv/internal/infrastructure/logging"
)

// channelDeviceUpdated carries device status and sensor changes from
// heartbeats, sweeps, and operator commands. It is the only event
// channel the monitor emits; the subscribe protocol still takes a
// channel list so dashboards opt in explicitly.
const channelDeviceUpdated = "device.updated"

// sendBufferSize is the per-connection outbound buffer. A dashboard
// that falls this far behind starts losing events rather than stalling
// the broadcast.
const sendBufferSize = 256

// wsEnvelope is the wire format in both directions. Inbound messages
// carry type, id, and payload; outbound events add event_type and
// timestamp.
type wsEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// channelList is the payload of subscribe and unsubscribe messages.
type channelList struct {
	Channels []string `json:"channels"`
}

// Hub fans device updates out to connected dashboards.
//
// It satisfies heartbeat.Notifier, so the ingestor and sweeper push
// device updates straight to connected clients without polling.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

// wsConn is one dashboard connection. Writes go through the send
// channel; the write loop owns the underlying connection for writes.
type wsConn struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	username string // from the WebSocket ticket

	mu       sync.RWMutex
	channels map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking is handled by CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every
// client so their write loops exit.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.conns, c)
	}
}

// DeviceUpdated broadcasts a device change to subscribed clients.
// source identifies what caused the change: heartbeat, sweep, or
// operator.
func (h *Hub) DeviceUpdated(d *device.Device, source string) {
	payload, err := json.Marshal(map[string]any{
		"device": d,
		"source": source,
	})
	if err != nil {
		h.logger.Error("failed to marshal device update", "error", err)
		return
	}
	h.broadcast(channelDeviceUpdated, payload)
}

// broadcast delivers an event to every connection subscribed to the
// channel. The connection set is snapshotted under the hub lock, then
// released before sends, so a slow client never blocks registration.
func (h *Hub) broadcast(channel string, payload json.RawMessage) {
	data, err := json.Marshal(wsEnvelope{
		Type:      "event",
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.subscribed(channel) {
			c.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) attach(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// detach removes a connection. Only the goroutine that actually removes
// it from the set closes the send channel, so a concurrent shutdown
// cannot double-close.
func (h *Hub) detach(c *wsConn) {
	h.mu.Lock()
	_, existed := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// handleWebSocket upgrades the HTTP connection. Authentication is via
// a single-use ticket from POST /auth/ws-ticket; browsers cannot set
// headers on WebSocket dials, so the ticket rides a query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		channels: make(map[string]struct{}),
		username: entry.username,
	}

	s.hub.attach(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

// readLoop consumes inbound messages until the connection drops. Any
// client message resets the read deadline, so a browser that never
// answers protocol pings but keeps talking stays connected.
func (c *wsConn) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.dispatch(message)
	}
}

// writeLoop drains the send channel and keeps the connection alive
// with protocol pings. It exits when the channel closes or a write
// fails.
func (c *wsConn) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound message.
func (c *wsConn) dispatch(data []byte) {
	var msg wsEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case "subscribe":
		c.updateChannels(msg, true)
	case "unsubscribe":
		c.updateChannels(msg, false)
	case "ping":
		c.reply(msg.ID, "pong", nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// updateChannels applies a subscribe or unsubscribe request and
// acknowledges it.
func (c *wsConn) updateChannels(msg wsEnvelope, add bool) {
	var list channelList
	if err := json.Unmarshal(msg.Payload, &list); err != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	c.mu.Lock()
	for _, ch := range list.Channels {
		if add {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	if add {
		c.hub.logger.Info("websocket client subscribed", "channels", list.Channels)
		c.reply(msg.ID, "response", map[string]any{"subscribed": list.Channels})
		return
	}
	c.reply(msg.ID, "response", map[string]any{"unsubscribed": list.Channels})
}

func (c *wsConn) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// trySend queues data for the write loop. A full buffer drops the
// message; a closed channel (client detached mid-broadcast) is
// absorbed by the recover.
func (c *wsConn) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

// reply sends a protocol response. Routed through trySend so replies
// during shutdown cannot panic.
func (c *wsConn) reply(id, msgType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}

	data, err := json.Marshal(wsEnvelope{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   raw,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *wsConn) sendError(id, message string) {
	c.reply(id, "error", map[string]string{"message": message})
}
