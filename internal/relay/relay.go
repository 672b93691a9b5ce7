// Package relay implements the Relay & Auth component: a single
// authenticated WebSocket endpoint routing messages between the trading
// bot and dashboard/LLM clients, using a Hub/Client pattern with a
// two-class routing contract, an auth handshake, identify frames, and an
// RTT heartbeat.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/aggregator"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// SourceClass identifies which side of the contract a connection plays.
type SourceClass string

const (
	SourceTradingBot SourceClass = "trading_bot"
	SourceDashboard  SourceClass = "dashboard"
	SourceTRAIClient SourceClass = "trai_client"
)

// Message is the relay's wire envelope. Type drives routing; the rest is
// forwarded opaquely.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Source    SourceClass     `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// botToDashboardTypes are fanned out from the bot to every authenticated
// dashboard/LLM client.
var botToDashboardTypes = map[string]bool{
	"price": true, "decision": true, "status": true, "alert": true, "pattern_update": true,
}

// dashboardToBotTypes are forwarded from any dashboard client to the bot.
var dashboardToBotTypes = map[string]bool{
	"trai_query": true, "timeframe_change": true, "asset_change": true,
	"request_historical": true,
}

func isDashboardToBotType(t string) bool {
	if dashboardToBotTypes[t] {
		return true
	}
	return hasPrefix(t, "request_journal_") || hasPrefix(t, "request_replay_")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

const (
	authTimeout     = 10 * time.Second
	pingInterval    = 15 * time.Second
	maxMissedPings  = 3
	sendBufferBytes = 1 << 20 // ~1MB backpressure limit
	readLimitBytes  = 1 << 20
)

// Hub owns every authenticated connection and the routing rules between
// the two client classes.
type Hub struct {
	logger *zap.Logger
	token  string

	mu         sync.RWMutex
	bots       map[*Client]bool
	dashboards map[*Client]bool
}

// NewHub constructs a Hub that authenticates connections against token.
func NewHub(logger *zap.Logger, token string) *Hub {
	return &Hub{
		logger:     logger.Named("relay"),
		token:      token,
		bots:       make(map[*Client]bool),
		dashboards: make(map[*Client]bool),
	}
}

// Client is one authenticated, identified WebSocket connection.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	send      chan []byte
	sendBytes int

	mu          sync.Mutex
	source      SourceClass
	identified  bool
	lastPingID  string
	missedPings int
	closed      bool
}

// Accept runs the auth handshake over conn and, on success, returns a live
// Client; the client joins the hub's routing tables once it sends an
// identify frame. The caller should then run ReadPump and WritePump in their
// own goroutines. On failure the connection is closed and nil is returned.
func (h *Hub) Accept(conn *websocket.Conn) *Client {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("relay: connection closed before auth frame", zap.Error(err))
		conn.Close()
		return nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "auth" {
		h.logger.Warn("relay: first frame was not an auth frame")
		conn.Close()
		return nil
	}
	if msg.Token != h.token {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "auth token mismatch"), time.Now().Add(time.Second))
		conn.Close()
		return nil
	}

	conn.SetReadDeadline(time.Time{})
	c := &Client{id: uuid.NewString(), hub: h, conn: conn, logger: h.logger, send: make(chan []byte, 256)}
	return c
}

// ID returns the client's server-assigned identifier, stable for the life
// of the connection.
func (c *Client) ID() string {
	return c.id
}

// Identify binds a connection's SourceClass per the identify frame and
// registers it with the hub's routing tables.
func (c *Client) Identify(source SourceClass) {
	c.mu.Lock()
	c.source = source
	c.identified = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	switch source {
	case SourceTradingBot:
		c.hub.bots[c] = true
	case SourceDashboard, SourceTRAIClient:
		c.hub.dashboards[c] = true
	}
}

func (c *Client) unregister() {
	c.hub.mu.Lock()
	delete(c.hub.bots, c)
	delete(c.hub.dashboards, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// ReadPump reads frames from the connection, routing them, until the
// connection closes or three consecutive pings go unanswered.
func (c *Client) ReadPump() {
	defer func() {
		c.unregister()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimitBytes)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("relay: dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "identify":
			c.Identify(msg.Source)
		case "pong":
			c.handlePong(msg.ID)
		default:
			c.route(msg)
		}
	}
}

func (c *Client) route(msg Message) {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()

	switch {
	case source == SourceTradingBot && botToDashboardTypes[msg.Type]:
		c.hub.broadcastToDashboards(msg)
	case (source == SourceDashboard || source == SourceTRAIClient) && isDashboardToBotType(msg.Type):
		c.hub.forwardToBots(msg)
	default:
		c.logger.Debug("relay: dropping message with no routing rule", zap.String("type", msg.Type), zap.String("source", string(source)))
	}
}

func (h *Hub) broadcastToDashboards(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.dashboards {
		c.enqueue(data)
	}
}

func (h *Hub) forwardToBots(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.bots {
		c.enqueue(data)
	}
}

// enqueue appends data to the client's outbound buffer, closing the
// connection instead of blocking the sender once the ~1MB backpressure
// limit is exceeded.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.sendBytes+len(data) > sendBufferBytes {
		c.logger.Warn("relay: client exceeded backpressure buffer, closing")
		c.closed = true
		close(c.send)
		return
	}
	select {
	case c.send <- data:
		c.sendBytes += len(data)
	default:
		c.logger.Warn("relay: client send channel full, closing")
		c.closed = true
		close(c.send)
	}
}

// WritePump drains the outbound buffer to the connection and drives the
// RTT ping heartbeat, closing after three consecutive unanswered pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.mu.Lock()
			c.sendBytes -= len(data)
			c.mu.Unlock()
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) sendPing() bool {
	c.mu.Lock()
	if c.lastPingID != "" {
		c.missedPings++
	}
	if c.missedPings >= maxMissedPings {
		c.mu.Unlock()
		c.logger.Warn("relay: closing client after consecutive missed pings")
		return false
	}
	id := time.Now().Format(time.RFC3339Nano)
	c.lastPingID = id
	c.mu.Unlock()

	data, _ := json.Marshal(Message{Type: "ping", ID: id, Timestamp: time.Now().UnixMilli()})
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (c *Client) handlePong(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.lastPingID {
		c.lastPingID = ""
		c.missedPings = 0
	}
}

// BroadcastDecision fans a TradeDecision out to every authenticated
// dashboard/LLM client as a "decision" frame. It is the engine's own
// publish path, distinct from route(), which only forwards frames a
// trading-bot client sent over the wire itself.
func (h *Hub) BroadcastDecision(decision types.TradeDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		h.logger.Warn("relay: failed to marshal decision for broadcast", zap.Error(err))
		return
	}
	h.broadcastToDashboards(Message{
		Type: "decision", Data: data, Timestamp: time.Now().UnixMilli(),
	})
}

// BroadcastAlert fans an AlertFrame out to every authenticated
// dashboard/LLM client as an "alert" frame, the relay-visible counterpart
// of a kill-switch toggle or of a reconciliation, stale-feed, or loop-stall
// pause latching or clearing. Module breaker trips send no alert frame.
func (h *Hub) BroadcastAlert(frame types.AlertFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("relay: failed to marshal alert frame for broadcast", zap.Error(err))
		return
	}
	h.broadcastToDashboards(Message{
		Type: "alert", Data: data, Timestamp: time.Now().UnixMilli(),
	})
}

// BroadcastConfluence fans the Aggregator's weighted multi-timeframe bias
// out to every authenticated dashboard/LLM client as a "confluence_update"
// frame, so a dashboard can render cross-timeframe agreement without
// separately polling every timeframe's indicator snapshot.
func (h *Hub) BroadcastConfluence(result aggregator.ConfluenceResult) {
	data, err := json.Marshal(result)
	if err != nil {
		h.logger.Warn("relay: failed to marshal confluence for broadcast", zap.Error(err))
		return
	}
	h.broadcastToDashboards(Message{
		Type: "confluence_update", Data: data, Timestamp: time.Now().UnixMilli(),
	})
}

// BotCount and DashboardCount expose connection counts for health/status
// reporting.
func (h *Hub) BotCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bots)
}

func (h *Hub) DashboardCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.dashboards)
}
