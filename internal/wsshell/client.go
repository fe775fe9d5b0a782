package wsshell

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nhooyr.io/websocket"

	"github.com/cobblehill/agentboard/internal/shell"
)

// outMsg wraps a WebSocket message with its type (text or binary).
type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

// clientMessage is the inbound command envelope. Cols and rows are
// pointers so a missing field is distinguishable from zero.
type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols *int   `json:"cols,omitempty"`
	Rows *int   `json:"rows,omitempty"`
}

// serverMessage is the outbound envelope. The first message on every
// connection is a snapshot carrying the retained output tail.
type serverMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Snapshot  string       `json:"snapshot,omitempty"`
	Data      string       `json:"data,omitempty"`
	Status    shell.Status `json:"status,omitempty"`
	ExitCode  *int         `json:"exitCode,omitempty"`
	Signal    string       `json:"signal,omitempty"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
}

// Client is one WebSocket connection attached to a single shell session.
type Client struct {
	conn      *websocket.Conn
	server    *Server
	sessionID string
	send      chan outMsg
	ctx       context.Context
	cancel    context.CancelFunc
}

func newClient(conn *websocket.Conn, server *Server, sessionID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:      conn,
		server:    server,
		sessionID: sessionID,
		send:      make(chan outMsg, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) run() {
	sub, snapshot, err := c.server.manager.Attach(c.sessionID)
	if err != nil {
		_ = c.conn.Close(websocket.StatusPolicyViolation, "session not found")
		return
	}
	defer c.server.manager.Detach(c.sessionID, sub)

	go c.writePump()

	// Snapshot goes out before any live event so the terminal renders
	// the retained tail exactly once.
	c.sendJSON(serverMessage{Type: "snapshot", SessionID: c.sessionID, Snapshot: string(snapshot)})

	go c.relayEvents(sub)
	c.readPump()
	c.cancel()
}

func (c *Client) relayEvents(sub *shell.Subscriber) {
	for ev := range sub.Events() {
		switch ev.Type {
		case shell.EventOutput:
			c.sendJSON(serverMessage{Type: "output", Data: ev.Data})
		case shell.EventStatus:
			c.sendJSON(serverMessage{Type: "status", Status: ev.Status, ExitCode: ev.ExitCode, Signal: ev.Signal})
		}
	}
}

func (c *Client) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.sendJSON(serverMessage{Type: "error", Error: "binary messages not supported"})
			continue
		}
		c.handleTextMessage(data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := c.conn.Write(ctx, msg.typ, msg.data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.logger.Error("marshal message failed", "error", err)
		return
	}
	select {
	case c.send <- outMsg{typ: websocket.MessageText, data: data}:
	default:
		c.server.logger.Warn("dropping message for slow client", "sessionId", c.sessionID)
	}
}

func (c *Client) handleTextMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendJSON(serverMessage{Type: "error", Error: "invalid JSON", Code: "validation"})
		return
	}

	switch msg.Type {
	case "input":
		if err := c.server.manager.Write(c.sessionID, []byte(msg.Data)); err != nil {
			c.sendError(err)
		}
	case "resize":
		if msg.Cols == nil || msg.Rows == nil {
			c.sendJSON(serverMessage{Type: "error", Error: "resize requires cols and rows", Code: "validation"})
			return
		}
		if err := c.server.manager.Resize(c.sessionID, *msg.Cols, *msg.Rows); err != nil {
			c.sendError(err)
		}
	default:
		c.sendJSON(serverMessage{Type: "error", Error: "unknown message type: " + msg.Type, Code: "validation"})
	}
}

// sendError reports a failure to this connection only; other attached
// clients are unaffected.
func (c *Client) sendError(err error) {
	var se *shell.Error
	if errors.As(err, &se) {
		c.sendJSON(serverMessage{Type: "error", Error: se.Message, Code: se.Code})
		return
	}
	c.sendJSON(serverMessage{Type: "error", Error: err.Error(), Code: "upstream"})
}
