package wschat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/cobblehill/agentboard/internal/bridge"
)

// outMsg wraps a WebSocket message with its type (text or binary).
type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

// clientMessage is the inbound command envelope.
type clientMessage struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	TurnID string `json:"turnId,omitempty"`
}

// serverMessage is the outbound command-reply envelope. Thread events are
// sent as-is, not wrapped.
type serverMessage struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	OK          *bool  `json:"ok,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	TurnID      string `json:"turnId,omitempty"`
	UnknownType string `json:"unknownType,omitempty"`
}

// Client is one WebSocket connection attached to a single thread.
type Client struct {
	conn     *websocket.Conn
	server   *Server
	threadID string
	send     chan outMsg
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newClient(conn *websocket.Conn, server *Server, threadID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		server:   server,
		threadID: threadID,
		send:     make(chan outMsg, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) run() {
	sub := c.server.bridge.Attach(c.threadID)
	defer c.server.bridge.Detach(c.threadID, sub)

	go c.writePump()
	go c.relayEvents(sub)
	c.readPump()

	c.cancel()
	c.wg.Wait()
}

// relayEvents forwards the thread's event stream to the socket. The
// channel closes on detach, which ends the loop.
func (c *Client) relayEvents(sub *bridge.Subscriber) {
	for ev := range sub.Events() {
		c.sendJSON(ev)
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
		c.server.logger.Warn("dropping message for slow client", "threadId", c.threadID)
	}
}

func (c *Client) handleTextMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendJSON(serverMessage{Type: "error", Error: "invalid JSON"})
		return
	}

	switch msg.Type {
	case "send":
		c.handleSend(msg)
	case "interrupt":
		c.handleInterrupt(msg)
	default:
		c.sendJSON(serverMessage{ID: msg.ID, Type: "error", Error: "unknown message type", UnknownType: msg.Type})
	}
}

// handleSend starts a turn. The blocking RPC runs off the read loop so a
// slow process never stalls command intake.
func (c *Client) handleSend(msg clientMessage) {
	if msg.Text == "" {
		c.sendJSON(serverMessage{ID: msg.ID, Type: "send", OK: boolPtr(false), Error: "text required", Code: "validation"})
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		turnID, err := c.server.bridge.SendMessage(c.ctx, c.threadID, msg.Text)
		if err != nil {
			c.sendJSON(serverMessage{ID: msg.ID, Type: "send", OK: boolPtr(false), Error: err.Error(), Code: errorCode(err)})
			return
		}
		c.sendJSON(serverMessage{ID: msg.ID, Type: "send", OK: boolPtr(true), TurnID: turnID})
	}()
}

func (c *Client) handleInterrupt(msg clientMessage) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.bridge.Interrupt(c.ctx, c.threadID, msg.TurnID); err != nil {
			c.sendJSON(serverMessage{ID: msg.ID, Type: "interrupt", OK: boolPtr(false), Error: err.Error(), Code: errorCode(err)})
			return
		}
		c.sendJSON(serverMessage{ID: msg.ID, Type: "interrupt", OK: boolPtr(true)})
	}()
}

func errorCode(err error) string {
	var be *bridge.Error
	if errors.As(err, &be) {
		return string(be.Code)
	}
	return "upstream"
}

func boolPtr(b bool) *bool {
	return &b
}
