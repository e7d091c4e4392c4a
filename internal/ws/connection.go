package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeGracePeriod = time.Second

// Connection is a viewer attached over a WebSocket.
type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *zap.SugaredLogger

	closeOnce sync.Once
}

func NewConnection(conn *websocket.Conn, hub *Hub, id string, sendBuffer int, log *zap.SugaredLogger) *Connection {
	return &Connection{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan []byte, sendBuffer),
		log:  log.With("viewer", id),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) CloseSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ReadPump hands every text message to the hub until the viewer goes away.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.log.Debugw("Connection close error", "error", err)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Infow("Connection closed unexpectedly", "error", err)
			return
		}
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugw("Ignoring non-text message", "type", messageType)
			continue
		}
		c.hub.HandleRequest(c, data)
	}
}

// WritePump writes queued messages until the hub closes the send side.
func (c *Connection) WritePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debugw("Connection close error", "error", err)
		}
	}()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Warnw("Connection write error", "error", err)
			return
		}
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod)); err != nil {
		c.log.Debugw("Failed to send close frame", "error", err)
	}
}
