package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydev/relay/internal/common/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send pings; anything larger is a protocol violation.
	maxMessageSize = 4 * 1024
)

// Client is one WebSocket viewer subscribed to a single task.
type Client struct {
	id     string
	taskID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	log    *logger.Logger
}

// NewClient wraps an upgraded connection as a viewer of taskID.
func NewClient(id, taskID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:     id,
		taskID: taskID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		log:    log,
	}
}

// ReadPump drains the connection to detect close and answer pings.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump forwards hub messages and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
