// Package client is a Go viewer for an inspector session: it attaches over
// a WebSocket, sends debugger requests and receives every message the
// session routes to it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/internal/logging"
)

const (
	sendBufferSize    = 64
	messageBufferSize = 256
	closeGracePeriod  = time.Second
)

type request struct {
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Command   string `json:"command"`
	Arguments any    `json:"arguments,omitempty"`
}

type Client struct {
	serverURL string
	sessionID string
	conn      *websocket.Conn
	log       *zap.SugaredLogger

	seq      atomic.Int64
	send     chan []byte
	messages chan json.RawMessage

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient prepares a viewer for the server at host:port. An empty
// sessionID attaches to the current session.
func NewClient(serverURL, sessionID string, log *zap.SugaredLogger) *Client {
	return &Client{
		serverURL: serverURL,
		sessionID: sessionID,
		log:       logging.OrNop(log),
		send:      make(chan []byte, sendBufferSize),
		messages:  make(chan json.RawMessage, messageBufferSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{
		Scheme: "ws",
		Host:   c.serverURL,
		Path:   "/ws/",
	}
	if c.sessionID != "" {
		u.RawQuery = url.Values{"session": {c.sessionID}}.Encode()
	}
	c.log.Infow("Connecting", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	c.conn = conn
	c.log.Infow("Connected to server")
	return nil
}

func (c *Client) Run() error {
	if c.conn == nil {
		return fmt.Errorf("connection not established")
	}

	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Client) SessionID() string { return c.sessionID }

// Messages delivers every message the session sends this viewer. It is
// closed once the connection ends.
func (c *Client) Messages() <-chan json.RawMessage { return c.messages }

// Done is closed when the connection to the server is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readPump() {
	defer func() {
		close(c.messages)
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.log.Debugw("Close error", "error", err)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnw("WebSocket error", "error", err)
			}
			return
		}
		select {
		case c.messages <- json.RawMessage(data):
		case <-c.closing:
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warnw("Write error", "error", err)
				return
			}
		case <-c.closing:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod)); err != nil {
				c.log.Debugw("Failed to close websocket", "error", err)
			}
			return
		case <-c.done:
			return
		}
	}
}

// Request queues a debugger request and returns the seq it was sent with.
func (c *Client) Request(command string, args any) (int, error) {
	seq := c.seq.Add(1)
	payload, err := json.Marshal(request{
		Seq:       seq,
		Type:      "request",
		Command:   command,
		Arguments: args,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s request: %w", command, err)
	}

	select {
	case <-c.closing:
		return 0, fmt.Errorf("client closed")
	case <-c.done:
		return 0, fmt.Errorf("connection closed")
	default:
	}

	select {
	case <-c.closing:
		return 0, fmt.Errorf("client closed")
	case <-c.done:
		return 0, fmt.Errorf("connection closed")
	case c.send <- payload:
		c.log.Debugw("Queued request", "seq", seq, "command", command)
		return int(seq), nil
	}
}

func (c *Client) Continue() (int, error) {
	return c.Request("continue", nil)
}

// Step resumes with the given step action: "in", "next" or "out".
func (c *Client) Step(action string) (int, error) {
	return c.Request("continue", map[string]any{"stepaction": action, "stepcount": 1})
}

func (c *Client) Backtrace() (int, error) {
	return c.Request("backtrace", map[string]any{"inlineRefs": true})
}

func (c *Client) SetBreakpoint(script string, line int) (int, error) {
	return c.Request("setbreakpoint", map[string]any{"type": "script", "target": script, "line": line})
}

func (c *Client) ClearBreakpoint(id int) (int, error) {
	return c.Request("clearbreakpoint", map[string]any{"breakpoint": id})
}

func (c *Client) Evaluate(expression string) (int, error) {
	return c.Request("evaluate", map[string]any{"expression": expression, "global": true})
}

// Close sends a close frame and waits for the server to acknowledge it
// before releasing the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.closeOnce.Do(func() { close(c.closing) })

	select {
	case <-c.done:
		return nil
	case <-time.After(closeGracePeriod):
	}
	return c.conn.Close()
}
