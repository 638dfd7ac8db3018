package websocket

import (
	"sync"

	"github.com/tangoride/tango-backend/pkg/logger"
	"go.uber.org/zap"
)

// Broadcast targets.
const (
	TargetUser = "user"
	TargetRide = "ride"
	TargetAll  = "all"
)

// MessageHandler processes an inbound message from a client.
type MessageHandler func(*Client, *Message)

// Hub tracks connected clients (keyed by user id) and ride rooms, and fans
// outbound messages to the right connections.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan *BroadcastMessage

	handlers map[string]MessageHandler

	// onConnect/onDisconnect let the realtime layer mirror presence.
	onConnect    func(*Client)
	onDisconnect func(*Client)

	mu sync.RWMutex
}

// BroadcastMessage addresses a message to a user, a ride room, or everyone.
type BroadcastMessage struct {
	Target   string
	TargetID string
	Message  *Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan *BroadcastMessage, 256),
		handlers:   make(map[string]MessageHandler),
	}
}

// OnConnect registers a callback invoked after a client registers.
func (h *Hub) OnConnect(fn func(*Client)) { h.onConnect = fn }

// OnDisconnect registers a callback invoked after a client unregisters.
func (h *Hub) OnDisconnect(fn func(*Client)) { h.onDisconnect = fn }

// Run processes register/unregister/broadcast requests until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case broadcast := <-h.Broadcast:
			h.broadcastMessage(broadcast)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	// A reconnect replaces the previous connection. The stale client must
	// leave its ride room before its channel closes, or a later room
	// broadcast would send on the closed channel.
	if existing, ok := h.clients[client.ID]; ok {
		h.leaveRoomLocked(existing)
		close(existing.Send)
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	logger.Debug("websocket client registered",
		zap.String("client_id", client.ID),
		zap.String("role", client.Role),
	)
	if h.onConnect != nil {
		h.onConnect(client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	// A reconnect replaces the entry under the same user id; only the client
	// still in the map may tear it down.
	existing, known := h.clients[client.ID]
	known = known && existing == client
	if known {
		delete(h.clients, client.ID)
		h.leaveRoomLocked(client)
		close(client.Send)
	}
	h.mu.Unlock()

	if known {
		logger.Debug("websocket client unregistered", zap.String("client_id", client.ID))
		if h.onDisconnect != nil {
			h.onDisconnect(client)
		}
	}
}

// leaveRoomLocked removes the client from its ride room. Deletes by pointer
// identity so it never evicts a replacement connection. Caller holds h.mu.
func (h *Hub) leaveRoomLocked(client *Client) {
	rideID := client.GetRide()
	if rideID == "" {
		return
	}
	room, ok := h.rooms[rideID]
	if !ok || room[client.ID] != client {
		return
	}
	delete(room, client.ID)
	if len(room) == 0 {
		delete(h.rooms, rideID)
	}
}

func (h *Hub) broadcastMessage(broadcast *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch broadcast.Target {
	case TargetUser:
		if client, ok := h.clients[broadcast.TargetID]; ok {
			client.SendMessage(broadcast.Message)
		}
	case TargetRide:
		for _, client := range h.rooms[broadcast.TargetID] {
			client.SendMessage(broadcast.Message)
		}
	case TargetAll:
		for _, client := range h.clients {
			client.SendMessage(broadcast.Message)
		}
	}
}

// HandleMessage routes an inbound message to its registered handler.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, ok := h.handlers[msg.Type]
	h.mu.RUnlock()

	if !ok {
		logger.Debug("no handler for message type", zap.String("type", msg.Type))
		return
	}
	handler(client, msg)
}

// RegisterHandler installs a handler for an inbound message type.
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// JoinRide adds the client to a ride room.
func (h *Hub) JoinRide(clientID, rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	if _, ok := h.rooms[rideID]; !ok {
		h.rooms[rideID] = make(map[string]*Client)
	}
	h.rooms[rideID][clientID] = client
	client.SetRide(rideID)
}

// LeaveRide removes the client from a ride room.
func (h *Hub) LeaveRide(clientID, rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[rideID]; ok {
		delete(room, clientID)
		if len(room) == 0 {
			delete(h.rooms, rideID)
		}
	}
	if client, ok := h.clients[clientID]; ok {
		client.SetRide("")
	}
}

// SendToUser queues a message for a single connected user.
func (h *Hub) SendToUser(userID string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{Target: TargetUser, TargetID: userID, Message: msg}
}

// SendToRide queues a message for every client in a ride room.
func (h *Hub) SendToRide(rideID string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{Target: TargetRide, TargetID: rideID, Message: msg}
}

// IsConnected reports whether the user currently has a live connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
