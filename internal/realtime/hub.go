// Package realtime provides WebSocket streaming of ledger lifecycle events
// to dashboard clients.
//
// Instead of polling the monitoring endpoints, a dashboard can subscribe to
// a live feed of:
// - authorizations verified or disputed
// - settlement batches completing or failing
// - disputes created or resolved
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deferredpay/facilitator/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType identifies a real-time ledger event. These mirror the webhook
// event taxonomy (internal/webhooks) so a dashboard and a registered
// webhook see the same vocabulary.
type EventType string

const (
	EventAuthorizationVerified EventType = "authorization.verified"
	EventAuthorizationExpired  EventType = "authorization.expired"
	EventAuthorizationDisputed EventType = "authorization.disputed"
	EventSettlementCompleted   EventType = "settlement.completed"
	EventSettlementFailed      EventType = "settlement.failed"
	EventDisputeCreated        EventType = "dispute.created"
	EventDisputeResolved       EventType = "dispute.resolved"
)

// Event represents a real-time event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription filters for a client
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	AgentAddrs []string    `json:"agentAddrs"`    // watch specific agents
	Merchants  []string    `json:"merchantAddrs"` // watch specific merchants
	MinAmount  float64     `json:"minAmount"`     // only settlements above this
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	// All events subscribed
	if sub.AllEvents {
		return true
	}

	// Check event type filter
	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	data, isMap := event.Data.(map[string]interface{})

	// Check agent filter
	if len(sub.AgentAddrs) > 0 {
		if !isMap {
			return false
		}
		agent, _ := data["agentAddress"].(string)
		matched := false
		for _, addr := range sub.AgentAddrs {
			if addr == agent {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Check merchant filter
	if len(sub.Merchants) > 0 {
		if !isMap {
			return false
		}
		merchant, _ := data["merchantAddress"].(string)
		matched := false
		for _, addr := range sub.Merchants {
			if addr == merchant {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Check minimum amount on settlement events. Amounts are carried as
	// decimal strings (see internal/money) to preserve precision; the
	// filter only needs an approximate float comparison.
	if sub.MinAmount > 0 && (event.Type == EventSettlementCompleted || event.Type == EventSettlementFailed) {
		if isMap {
			if amountStr, ok := data["totalAmount"].(string); ok {
				if amount, err := strconv.ParseFloat(amountStr, 64); err == nil && amount < sub.MinAmount {
					return false
				}
			}
		}
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients. A nil Hub is a no-op,
// so callers can wire it optionally without a nil check at every call site.
func (h *Hub) Broadcast(event *Event) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// BroadcastAuthorizationVerified notifies dashboards of a newly verified
// and queued authorization.
func (h *Hub) BroadcastAuthorizationVerified(authorizationID, agentAddr, merchantAddr, amount string) {
	h.Broadcast(&Event{
		Type:      EventAuthorizationVerified,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"authorizationId": authorizationID,
			"agentAddress":    agentAddr,
			"merchantAddress": merchantAddr,
			"totalAmount":     amount,
		},
	})
}

// BroadcastAuthorizationDisputed notifies dashboards that an authorization
// has been contested.
func (h *Hub) BroadcastAuthorizationDisputed(authorizationID, agentAddr, merchantAddr string) {
	h.Broadcast(&Event{
		Type:      EventAuthorizationDisputed,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"authorizationId": authorizationID,
			"agentAddress":    agentAddr,
			"merchantAddress": merchantAddr,
		},
	})
}

// BroadcastSettlementCompleted notifies dashboards of a completed
// settlement batch.
func (h *Hub) BroadcastSettlementCompleted(batchID, agentAddr, merchantAddr, totalAmount string) {
	h.Broadcast(&Event{
		Type:      EventSettlementCompleted,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"batchId":         batchID,
			"agentAddress":    agentAddr,
			"merchantAddress": merchantAddr,
			"totalAmount":     totalAmount,
		},
	})
}

// BroadcastSettlementFailed notifies dashboards of a failed settlement batch.
func (h *Hub) BroadcastSettlementFailed(batchID, agentAddr, merchantAddr, totalAmount, reason string) {
	h.Broadcast(&Event{
		Type:      EventSettlementFailed,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"batchId":         batchID,
			"agentAddress":    agentAddr,
			"merchantAddress": merchantAddr,
			"totalAmount":     totalAmount,
			"reason":          reason,
		},
	})
}

// BroadcastDisputeCreated notifies dashboards that a dispute was opened.
func (h *Hub) BroadcastDisputeCreated(disputeID, authorizationID, agentAddr, merchantAddr string) {
	h.Broadcast(&Event{
		Type:      EventDisputeCreated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"disputeId":       disputeID,
			"authorizationId": authorizationID,
			"agentAddress":    agentAddr,
			"merchantAddress": merchantAddr,
		},
	})
}

// BroadcastDisputeResolved notifies dashboards of a dispute resolution.
func (h *Hub) BroadcastDisputeResolved(disputeID, authorizationID, agentAddr string, approved bool) {
	h.Broadcast(&Event{
		Type:      EventDisputeResolved,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"disputeId":       disputeID,
			"authorizationId": authorizationID,
			"agentAddress":    agentAddr,
			"approved":        approved,
		},
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true}, // Default: all events
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscriptions, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse subscription update
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
