// Package rpc implements the request/response/notification protocol spoken
// with the agent app-server over a line-framed transport. Frames are
// classified by shape: id+method is a server-initiated request, id alone is
// a response to one of our calls, method alone is a notification.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Call timeout applied when the caller's context has no earlier deadline.
const defaultCallTimeout = 30 * time.Second

var (
	// ErrUnavailable is returned for every call pending when the process
	// dies, and for calls issued after death or Close.
	ErrUnavailable = errors.New("app-server unavailable")

	// ErrTimeout is returned when a call's deadline elapses. A late
	// response for the timed-out id is ignored.
	ErrTimeout = errors.New("call timed out")
)

// Error is an error response from the app-server.
type Error struct {
	Method  string
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: error %d: %s", e.Method, e.Code, e.Message)
}

// Notification is a server-initiated message with no id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Request is a server-initiated message that expects a reply. Whoever
// claims it must eventually call Respond or RespondError with its id.
type Request struct {
	ID     int64
	Method string
	Params json.RawMessage
}

// RequestHandler is offered inbound requests in registration order.
// Returning true claims the request.
type RequestHandler func(Request) bool

// Transport is the line-framed process connection the client drives.
type Transport interface {
	Send(v any) error
	Lines() <-chan json.RawMessage
	Done() <-chan error
	Kill()
}

type clientState int

const (
	stateUninitialized clientState = iota
	stateInitializing
	stateReady
	stateDisposed
)

type frame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	frame *frame
	err   error
}

type pendingCall struct {
	method string
	start  time.Time
	ch     chan callResult // buffered, capacity 1
}

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// Options configures a Client.
type Options struct {
	CallTimeout time.Duration
	ClientInfo  ClientInfo
	Logger      *slog.Logger
}

// Client correlates calls to one app-server process. Construct with
// NewClient, then issue Calls; the initialize handshake runs once, on the
// first call, shared by all concurrent callers.
type Client struct {
	t       Transport
	logger  *slog.Logger
	timeout time.Duration
	info    ClientInfo

	mu        sync.Mutex
	state     clientState
	nextID    int64
	pending   map[int64]*pendingCall
	inbound   map[int64]string // server-initiated request id -> method
	handlers  []RequestHandler
	notifyFns []func(Notification)

	initGroup singleflight.Group

	closed     chan struct{}
	closedOnce sync.Once
}

// NewClient wraps a transport and starts dispatching its frames.
func NewClient(t Transport, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	c := &Client{
		t:       t,
		logger:  logger,
		timeout: timeout,
		info:    opts.ClientInfo,
		nextID:  1,
		pending: make(map[int64]*pendingCall),
		inbound: make(map[int64]string),
		closed:  make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// OnNotification registers a handler for id-less server messages.
func (c *Client) OnNotification(fn func(Notification)) {
	c.mu.Lock()
	c.notifyFns = append(c.notifyFns, fn)
	c.mu.Unlock()
}

// OnRequest registers a handler for server-initiated requests.
func (c *Client) OnRequest(h RequestHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Closed is closed once the client has shut down (process death or Close).
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Call sends {method,id,params} and decodes the matching result into out.
// The initialize handshake is performed first if it hasn't run yet;
// concurrent callers during startup share the same handshake.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	return c.call(ctx, method, params, out)
}

// Notify sends a one-way {method,params} message.
func (c *Client) Notify(method string, params any) error {
	return c.t.Send(map[string]any{"method": method, "params": params})
}

// Respond replies to a claimed server-initiated request.
func (c *Client) Respond(id int64, result any) error {
	if err := c.takeInbound(id); err != nil {
		return err
	}
	return c.t.Send(map[string]any{"id": id, "result": result})
}

// RespondError rejects a claimed server-initiated request.
func (c *Client) RespondError(id int64, code int, message string) error {
	if err := c.takeInbound(id); err != nil {
		return err
	}
	return c.sendError(id, code, message)
}

// Close tears the client down: the process is killed and every pending
// call is rejected.
func (c *Client) Close() {
	c.t.Kill()
	c.fail(ErrUnavailable)
}

func (c *Client) takeInbound(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inbound[id]; !ok {
		return fmt.Errorf("no pending server request with id %d", id)
	}
	delete(c.inbound, id)
	return nil
}

func (c *Client) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return nil
	case stateDisposed:
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.mu.Unlock()

	done := c.initGroup.DoChan("init", func() (any, error) {
		return nil, c.bootstrap()
	})
	select {
	case res := <-done:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bootstrap runs the handshake: one initialize request, then the one-way
// initialized notice.
func (c *Client) bootstrap() error {
	c.mu.Lock()
	if c.state == stateDisposed {
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.state = stateInitializing
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	params := map[string]any{"clientInfo": c.info}
	if err := c.call(ctx, "initialize", params, nil); err != nil {
		c.mu.Lock()
		if c.state == stateInitializing {
			c.state = stateUninitialized
		}
		c.mu.Unlock()
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notice: %w", err)
	}

	c.mu.Lock()
	if c.state == stateInitializing {
		c.state = stateReady
	}
	c.mu.Unlock()
	c.logger.Debug("app-server handshake complete")
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if c.state == stateDisposed {
		c.mu.Unlock()
		return ErrUnavailable
	}
	id := c.nextID
	c.nextID++
	pc := &pendingCall{
		method: method,
		start:  time.Now(),
		ch:     make(chan callResult, 1),
	}
	c.pending[id] = pc
	c.mu.Unlock()

	req := map[string]any{"method": method, "id": id, "params": params}
	if err := c.t.Send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case res := <-pc.ch:
		return c.settle(id, pc, res, out)
	case <-ctx.Done():
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !stillPending {
			// Response landed while we were timing out; honor it.
			select {
			case res := <-pc.ch:
				return c.settle(id, pc, res, out)
			default:
			}
		}
		c.logger.Warn("call timed out", "method", method, "request_id", id)
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	}
}

func (c *Client) settle(id int64, pc *pendingCall, res callResult, out any) error {
	method := pc.method
	if res.err != nil {
		return res.err
	}
	msg := res.frame
	if msg.Error != nil {
		return &Error{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
	}
	c.logger.Debug("call complete",
		"method", method,
		"request_id", id,
		"latency_ms", time.Since(pc.start).Milliseconds())
	if out != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) dispatchLoop() {
	for line := range c.t.Lines() {
		c.dispatch(line)
	}
	c.fail(ErrUnavailable)
}

func (c *Client) dispatch(line json.RawMessage) {
	var msg frame
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch {
	case msg.ID != nil && msg.Method != "":
		c.dispatchRequest(msg)
	case msg.ID != nil:
		c.dispatchResponse(msg)
	case msg.Method != "":
		c.dispatchNotification(msg)
	default:
		c.logger.Warn("dropping frame with neither id nor method")
	}
}

func (c *Client) dispatchResponse(msg frame) {
	id := *msg.ID
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// Late response for a timed-out call.
		c.logger.Debug("ignoring response for unknown id", "request_id", id)
		return
	}
	pc.ch <- callResult{frame: &msg}
}

func (c *Client) dispatchRequest(msg frame) {
	id := *msg.ID
	c.mu.Lock()
	c.inbound[id] = msg.Method
	handlers := make([]RequestHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	req := Request{ID: id, Method: msg.Method, Params: msg.Params}
	for _, h := range handlers {
		if h(req) {
			return
		}
	}

	// Nobody claimed it; never leave the process waiting.
	c.mu.Lock()
	delete(c.inbound, id)
	c.mu.Unlock()
	c.logger.Warn("rejecting unclaimed server request", "method", msg.Method, "request_id", id)
	if err := c.sendError(id, -32601, "method not supported: "+msg.Method); err != nil {
		c.logger.Warn("auto-reject failed", "request_id", id, "error", err)
	}
}

func (c *Client) dispatchNotification(msg frame) {
	c.mu.Lock()
	fns := make([]func(Notification), len(c.notifyFns))
	copy(fns, c.notifyFns)
	c.mu.Unlock()
	n := Notification{Method: msg.Method, Params: msg.Params}
	for _, fn := range fns {
		fn(n)
	}
}

func (c *Client) sendError(id int64, code int, message string) error {
	return c.t.Send(map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
}

// fail rejects every pending call with a shared error and clears the
// correlation tables. Runs exactly once per client.
func (c *Client) fail(err error) {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		c.state = stateDisposed
		stale := c.pending
		c.pending = make(map[int64]*pendingCall)
		c.inbound = make(map[int64]string)
		c.mu.Unlock()

		for id, pc := range stale {
			c.logger.Debug("rejecting pending call", "method", pc.method, "request_id", id)
			pc.ch <- callResult{err: err}
		}
		close(c.closed)
	})
}
