package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fuji-money/fujiswap/internal/swap"
	"github.com/fuji-money/fujiswap/internal/wallet"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType represents the type of WebSocket event.
type EventType string

const (
	// EventSwapStage carries a swap.StageEvent.
	EventSwapStage EventType = "swap_stage"

	// EventWallet carries a wallet.Event.
	EventWallet EventType = "wallet"

	// EventNodeStatus is sent to every client on connect.
	EventNodeStatus EventType = "node_status"
)

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`

	// position scopes swap_stage events for per-position filters.
	position string
}

// WSSubscription represents a subscription request. A client with no
// event subscriptions receives every event type; a client with no
// position subscriptions receives stage events of every position.
type WSSubscription struct {
	Action    string   `json:"action"` // "subscribe" or "unsubscribe"
	Events    []string `json:"events"`
	Positions []string `json:"positions,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	positions     map[string]bool
	mu            sync.RWMutex
	hub           *WSHub
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run runs the hub event loop until ctx ends, then disconnects every
// client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", count)

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client disconnected", "clients", count)
}

func (h *WSHub) deliver(event *WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err)
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscribed(event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Clients whose buffer is full are disconnected.
	for _, client := range slow {
		h.remove(client)
	}
}

// Broadcast sends an event to all subscribed clients.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	h.enqueue(&WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (h *WSHub) enqueue(event *WSEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ForwardStages broadcasts the stage events of events until it is closed
// or ctx ends.
func (h *WSHub) ForwardStages(ctx context.Context, events <-chan swap.StageEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.enqueue(&WSEvent{
				Type:      EventSwapStage,
				Data:      ev,
				Timestamp: ev.Time.Unix(),
				position:  ev.PositionID,
			})
		}
	}
}

// ForwardWallet broadcasts the events of a wallet session and returns a
// function that stops forwarding.
func (h *WSHub) ForwardWallet(session *wallet.Session) func() {
	types := []wallet.EventType{
		wallet.EventEnabled,
		wallet.EventDisabled,
		wallet.EventNetwork,
		wallet.EventSpentUtxo,
		wallet.EventNewUtxo,
	}
	ids := make([]string, 0, len(types))
	for _, t := range types {
		ids = append(ids, session.On(t, func(ev wallet.Event) {
			h.Broadcast(EventWallet, ev)
		}))
	}
	return func() {
		for _, id := range ids {
			session.Off(id)
		}
	}
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		positions:     make(map[string]bool),
		hub:           s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	s.wsHub.Broadcast(EventNodeStatus, s.status())
}

func (c *WSClient) subscribed(event *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) > 0 && !c.subscriptions[event.Type] {
		return false
	}
	if event.position == "" || len(c.positions) == 0 {
		return true
	}
	return c.positions[event.position]
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes messages to the WebSocket connection, one event per
// frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscription processes subscription requests.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	add := sub.Action == "subscribe"
	if !add && sub.Action != "unsubscribe" {
		return
	}
	for _, name := range sub.Events {
		if add {
			c.subscriptions[EventType(name)] = true
		} else {
			delete(c.subscriptions, EventType(name))
		}
	}
	for _, id := range sub.Positions {
		if add {
			c.positions[id] = true
		} else {
			delete(c.positions, id)
		}
	}
}
