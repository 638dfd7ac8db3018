package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tangoride/tango-backend/pkg/logger"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Message is the wire format for both directions.
type Message struct {
	Type      string                 `json:"type"`
	RideID    string                 `json:"ride_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Client is one WebSocket connection, identified by the authenticated user id.
type Client struct {
	ID     string
	Role   string // "rider" or "driver"
	Conn   *websocket.Conn
	Send   chan *Message
	Hub    *Hub
	rideID string
	mu     sync.RWMutex
}

// NewClient wraps a connection for the hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, role string) *Client {
	return &Client{
		ID:   id,
		Role: role,
		Conn: conn,
		Send: make(chan *Message, 256),
		Hub:  hub,
	}
}

// ReadPump reads inbound messages and routes them through the hub until the
// connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}

		msg.Timestamp = time.Now()
		msg.UserID = c.ID
		c.Hub.HandleMessage(c, &msg)
	}
}

// WritePump flushes outbound messages and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a message, dropping the connection if its buffer is full.
// Closing the connection makes ReadPump exit and run the normal unregister path.
func (c *Client) SendMessage(msg *Message) {
	select {
	case c.Send <- msg:
	default:
		logger.Warn("websocket send buffer full, dropping client", zap.String("client_id", c.ID))
		if c.Conn != nil {
			c.Conn.Close()
		}
	}
}

// SetRide associates the client with a ride room.
func (c *Client) SetRide(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rideID = rideID
}

// GetRide returns the client's current ride room, if any.
func (c *Client) GetRide() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rideID
}
