package broadcast

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/logx"
)

// Client is one transport-side WebSocket connection. The core never opens
// the HTTP upgrade itself — NewClient is called by
// transport code once it has an upgraded *websocket.Conn; the Hub only
// models the shape clients attach to.
type Client struct {
	ID         string
	conn       *websocket.Conn
	sessionIDs map[string]bool
	send       chan []byte
	mu         sync.RWMutex
}

// NewClient wraps an upgraded connection for registration with a Hub.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{ID: id, conn: conn, sessionIDs: make(map[string]bool), send: make(chan []byte, 256)}
}

// Send returns the channel transport code should drain to write to conn.
func (c *Client) Send() <-chan []byte { return c.send }

// Hub fans broadcast Events out to every client subscribed to the relevant
// session, plus every client subscribed to app-wide events.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool
	appWide        map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan Event
	protocol   chan protocolLine

	protocolTaps map[*Client]bool

	mu  sync.RWMutex
	log *logx.Logger
}

type protocolLine struct {
	kind      string
	direction string
	line      string
}

// NewHub creates an empty Hub. Call Run to start its processing loop.
func NewHub(log *logx.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		appWide:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		events:         make(chan Event, 256),
		protocol:       make(chan protocolLine, 256),
		protocolTaps:   make(map[*Client]bool),
		log:            log.With(zap.String("component", "broadcast_hub")),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("broadcast hub started")
	defer h.log.Info("broadcast hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.sessionClients = make(map[string]map[*Client]bool)
			h.appWide = make(map[*Client]bool)
			h.protocolTaps = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.dropClient(client)

		case event := <-h.events:
			h.deliver(event)

		case line := <-h.protocol:
			h.deliverProtocol(line)
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.appWide, client)
	delete(h.protocolTaps, client)
	close(client.send)

	for sessionID := range client.sessionIDs {
		if clients, ok := h.sessionClients[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionClients, sessionID)
			}
		}
	}
}

func (h *Hub) deliver(event Event) {
	data, err := event.MarshalForWire()
	if err != nil {
		h.log.Error("failed to marshal broadcast event", zap.Error(err))
		return
	}

	h.mu.RLock()
	var targets map[*Client]bool
	if event.SessionID == "" {
		targets = h.appWide
	} else {
		targets = h.sessionClients[event.SessionID]
	}
	recipients := make([]*Client, 0, len(targets))
	for c := range targets {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		h.sendOrDrop(client, data)
	}
}

func (h *Hub) deliverProtocol(line protocolLine) {
	data, err := Event{Type: "protocol", Data: line}.MarshalForWire()
	if err != nil {
		return
	}

	h.mu.RLock()
	taps := make([]*Client, 0, len(h.protocolTaps))
	for c := range h.protocolTaps {
		taps = append(taps, c)
	}
	h.mu.RUnlock()

	for _, client := range taps {
		h.sendOrDrop(client, data)
	}
}

func (h *Hub) sendOrDrop(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.dropClient(client)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Send implements the Sink signature: it is the default event sink that
// forwards every event into the hub's fan-out, preserving per-session
// delivery order because deliver() is only ever called from the Hub's
// single Run goroutine.
func (h *Hub) Send(event Event) { h.events <- event }

// Protocol mirrors one raw RPC line into the protocol debug tap. Lines are
// queued in call order on a channel holding up to 256 lines, which the Run
// goroutine delivers in that same order. A tap client whose send buffer is
// full is unregistered and does not receive the line.
func (h *Hub) Protocol(kind, direction, line string) {
	h.protocol <- protocolLine{kind: kind, direction: direction, line: line}
}

// SubscribeSession attaches client to a session's event stream.
func (h *Hub) SubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	client.sessionIDs[sessionID] = true
	client.mu.Unlock()

	if _, ok := h.sessionClients[sessionID]; !ok {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][client] = true
}

// UnsubscribeSession detaches client from a session's event stream.
func (h *Hub) UnsubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	delete(client.sessionIDs, sessionID)
	client.mu.Unlock()

	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
}

// SubscribeAppWide attaches client to app-wide events (sessionId == "").
func (h *Hub) SubscribeAppWide(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appWide[client] = true
}

// SubscribeProtocolTap attaches client to the protocol debug tap.
func (h *Hub) SubscribeProtocolTap(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocolTaps[client] = true
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionSubscriberCount returns how many clients are subscribed to sessionID.
func (h *Hub) SessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionClients[sessionID])
}
