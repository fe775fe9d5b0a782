// Package bridge turns app-server RPC calls into domain operations on
// conversation threads and fans the process's notifications out to
// per-thread subscriber groups.
package bridge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cobblehill/agentboard/internal/rpc"
	"github.com/cobblehill/agentboard/internal/workspace"
)

const (
	// maxListPages bounds cursor pagination so a cursor loop from the
	// process cannot hang the listing.
	maxListPages = 16

	// subscriberBuffer is the per-subscriber event queue; events beyond
	// it are dropped for that subscriber only.
	subscriberBuffer = 256

	defaultModelTTL  = 5 * time.Minute
	defaultOptionCap = 1024
)

// Caller is the slice of the RPC client the bridge needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
	OnNotification(fn func(rpc.Notification))
}

// Options configures a Bridge.
type Options struct {
	// SandboxMode passed to the process on thread/start.
	SandboxMode string
	// ModelTTL controls how long the model catalog is cached.
	ModelTTL time.Duration
	// OptionCap bounds the launch-option cache; the oldest entry is
	// evicted beyond it.
	OptionCap int
	Logger    *slog.Logger
}

// Subscriber is one live connection attached to a thread.
type Subscriber struct {
	events chan Event
}

// Events delivers this subscriber's stream in arrival order. The channel
// is closed on detach.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Bridge owns one app-server process's domain state: launch options,
// active turns, and subscriber groups, all keyed by thread id.
type Bridge struct {
	client      Caller
	ws          *workspace.Workspace
	logger      *slog.Logger
	sandboxMode string
	optionCap   int

	mu          sync.Mutex
	options     map[string]*LaunchOptions
	optionOrder []string
	active      map[string]string
	subs        map[string]map[*Subscriber]struct{}

	modelTTL time.Duration
	modelMu  sync.Mutex
	models   []Model
	modelsAt time.Time
	flight   singleflight.Group
}

// New wires a bridge to its RPC client and starts consuming notifications.
func New(client Caller, ws *workspace.Workspace, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ModelTTL
	if ttl <= 0 {
		ttl = defaultModelTTL
	}
	optionCap := opts.OptionCap
	if optionCap <= 0 {
		optionCap = defaultOptionCap
	}
	sandbox := opts.SandboxMode
	if sandbox == "" {
		sandbox = "workspace-write"
	}
	b := &Bridge{
		client:      client,
		ws:          ws,
		logger:      logger.With("component", "bridge"),
		sandboxMode: sandbox,
		optionCap:   optionCap,
		options:     make(map[string]*LaunchOptions),
		active:      make(map[string]string),
		subs:        make(map[string]map[*Subscriber]struct{}),
		modelTTL:    ttl,
	}
	client.OnNotification(b.handleNotification)
	return b
}

// ListThreads pages the active and archived listings to completion,
// merges them deduplicated by id, attaches cached launch options, and
// sorts by last update, newest first.
func (b *Bridge) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	merged := make(map[string]ThreadSummary)
	var order []string
	for _, method := range []string{"thread/list", "thread/listArchived"} {
		pages, err := b.listPages(ctx, method)
		if err != nil {
			return nil, classify("list threads", err)
		}
		for _, p := range pages {
			if _, seen := merged[p.ID]; seen {
				continue
			}
			merged[p.ID] = ThreadSummary{
				ID:            p.ID,
				Preview:       p.Preview,
				ModelProvider: p.ModelProvider,
				Source:        p.Source,
				CreatedAt:     p.CreatedAt,
				UpdatedAt:     p.UpdatedAt,
			}
			order = append(order, p.ID)
		}
	}

	out := make([]ThreadSummary, 0, len(order))
	b.mu.Lock()
	for _, id := range order {
		s := merged[id]
		if opts, ok := b.options[id]; ok {
			s.LaunchOptions = opts.clone()
		}
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out, nil
}

func (b *Bridge) listPages(ctx context.Context, method string) ([]threadSummaryPayload, error) {
	var all []threadSummaryPayload
	var cursor *string
	for page := 0; page < maxListPages; page++ {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}
		var result threadListPage
		if err := b.client.Call(ctx, method, params, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Data...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			return all, nil
		}
		cursor = result.NextCursor
	}
	b.logger.Warn("listing stopped at page cap", "method", method)
	return all, nil
}

// Catalog returns the launch-option catalog. A failing model fetch
// degrades to an empty model list; the rest of the catalog still loads.
func (b *Bridge) Catalog(ctx context.Context) (*Catalog, error) {
	models := b.cachedModels(ctx)
	return &Catalog{
		Models:           models,
		WorkingDirs:      b.ws.Candidates(),
		ApprovalPolicies: approvalPolicies,
		SandboxModes:     sandboxModes,
	}, nil
}

func (b *Bridge) cachedModels(ctx context.Context) []Model {
	b.modelMu.Lock()
	if b.models != nil && time.Since(b.modelsAt) < b.modelTTL {
		out := make([]Model, len(b.models))
		copy(out, b.models)
		b.modelMu.Unlock()
		return out
	}
	b.modelMu.Unlock()

	v, err, _ := b.flight.Do("models", func() (any, error) {
		var result modelListPage
		if err := b.client.Call(ctx, "model/list", map[string]any{}, &result); err != nil {
			return nil, err
		}
		models := make([]Model, 0, len(result.Data))
		for _, m := range result.Data {
			id := m.ID
			if id == "" {
				id = m.Model
			}
			efforts := make([]string, 0, len(m.ReasoningEffort))
			for _, r := range m.ReasoningEffort {
				efforts = append(efforts, r.Effort)
			}
			models = append(models, Model{
				ID:            id,
				DisplayName:   m.DisplayName,
				Efforts:       efforts,
				DefaultEffort: m.DefaultReasoningEffort,
				IsDefault:     m.IsDefault,
			})
		}
		return models, nil
	})
	if err != nil {
		// Availability over completeness: catalog still loads.
		b.logger.Warn("model catalog unavailable", "error", err)
		return []Model{}
	}
	models := v.([]Model)

	b.modelMu.Lock()
	b.models = models
	b.modelsAt = time.Now()
	b.modelMu.Unlock()

	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// CreateThread validates the requested launch options, starts a thread
// with approvals disabled at the process boundary, and caches the
// resolved options under the new thread id.
func (b *Bridge) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	if err := b.validateModelEffort(ctx, req.Model, req.Effort); err != nil {
		return nil, err
	}
	cwd, err := b.resolveCwd(req.Cwd)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		// Dashboard approvals are a higher-level flow; the process never
		// blocks a turn waiting on one.
		"approvalPolicy": "never",
		"sandboxMode":    b.sandboxMode,
	}
	if cwd != nil {
		params["cwd"] = *cwd
	}
	if req.Model != nil {
		params["model"] = *req.Model
	}
	if req.Effort != nil {
		params["effort"] = *req.Effort
	}

	var result threadReadResult
	if err := b.client.Call(ctx, "thread/start", params, &result); err != nil {
		return nil, classify("create thread", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return nil, &Error{Code: CodeUpstream, Message: "create thread: malformed result"}
	}

	opts := &LaunchOptions{
		Model:          req.Model,
		Effort:         req.Effort,
		Cwd:            cwd,
		ApprovalPolicy: "never",
		SandboxMode:    b.sandboxMode,
	}
	b.mu.Lock()
	b.cacheOptionsLocked(result.Thread.ID, opts)
	b.mu.Unlock()

	b.logger.Info("thread created", "thread_id", result.Thread.ID)
	return &Thread{
		ID:            result.Thread.ID,
		Preview:       result.Thread.Preview,
		Cwd:           result.Thread.Cwd,
		LaunchOptions: opts.clone(),
	}, nil
}

// GetThread reads full history, retrying once through an implicit resume
// when the process reports the thread unknown. The active-turn cache is
// reconciled from the read and launch options are backfilled if the
// thread was first seen before a restart.
func (b *Bridge) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	payload, err := b.readThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	thread := &Thread{
		ID:      payload.ID,
		Preview: payload.Preview,
		Cwd:     payload.Cwd,
		Turns:   make([]Turn, 0, len(payload.Turns)),
	}
	var activeTurn string
	for _, tp := range payload.Turns {
		thread.Turns = append(thread.Turns, Turn{ID: tp.ID, Status: tp.Status, Items: tp.Items})
		if isInProgress(tp.Status) {
			activeTurn = tp.ID
		}
	}

	b.mu.Lock()
	if activeTurn != "" {
		b.active[threadID] = activeTurn
	} else {
		delete(b.active, threadID)
	}
	opts, known := b.options[threadID]
	if !known {
		// Model and effort are not recoverable from the process; only a
		// working-directory fallback can be restored.
		opts = b.defaultOptions(payload.Cwd)
		b.cacheOptionsLocked(threadID, opts)
	}
	thread.ActiveTurnID = activeTurn
	thread.LaunchOptions = opts.clone()
	b.mu.Unlock()

	return thread, nil
}

func (b *Bridge) readThread(ctx context.Context, threadID string) (*threadPayload, error) {
	read := func() (*threadPayload, error) {
		var result threadReadResult
		params := map[string]any{"threadId": threadID, "includeTurns": true}
		if err := b.client.Call(ctx, "thread/read", params, &result); err != nil {
			return nil, classify("read thread", err)
		}
		if result.Thread == nil {
			return nil, &Error{Code: CodeNotFound, Message: "thread not found"}
		}
		return result.Thread, nil
	}

	payload, err := read()
	if err == nil || !isNotFound(err) {
		return payload, err
	}
	if resumeErr := b.resume(ctx, threadID); resumeErr != nil {
		return nil, err
	}
	return read()
}

func (b *Bridge) resume(ctx context.Context, threadID string) error {
	err := b.client.Call(ctx, "thread/resume", map[string]any{"threadId": threadID}, nil)
	if err != nil {
		b.logger.Warn("thread resume failed", "thread_id", threadID, "error", err)
	}
	return err
}

// UpdateOptions re-validates and writes through to the option cache. No
// process call is made: launch options apply to the next turn, not to
// thread metadata.
func (b *Bridge) UpdateOptions(ctx context.Context, threadID string, req UpdateOptionsRequest) (*LaunchOptions, error) {
	if err := b.validateModelEffort(ctx, req.Model, req.Effort); err != nil {
		return nil, err
	}
	var cwd *string
	if req.Cwd != nil {
		resolved, err := b.resolveCwd(req.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	opts, ok := b.options[threadID]
	if !ok {
		opts = b.defaultOptions("")
		b.cacheOptionsLocked(threadID, opts)
	}
	if req.Model != nil {
		opts.Model = req.Model
		opts.Effort = nil
	}
	if req.Effort != nil {
		opts.Effort = req.Effort
	}
	if cwd != nil {
		opts.Cwd = cwd
	}
	return opts.clone(), nil
}

// SendMessage starts a turn carrying the thread's resolved launch
// options and records the returned turn id as active.
func (b *Bridge) SendMessage(ctx context.Context, threadID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", validationErr("message text is required")
	}

	b.mu.Lock()
	opts, ok := b.options[threadID]
	if !ok {
		opts = b.defaultOptions("")
		b.cacheOptionsLocked(threadID, opts)
	}
	opts = opts.clone()
	b.mu.Unlock()

	params := map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}
	if opts.Model != nil {
		params["model"] = *opts.Model
	}
	if opts.Effort != nil {
		params["effort"] = *opts.Effort
	}

	var result struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	start := func() error {
		return b.client.Call(ctx, "turn/start", params, &result)
	}
	if err := start(); err != nil {
		cerr := classify("send message", err)
		if cerr.Code != CodeNotFound {
			return "", cerr
		}
		if resumeErr := b.resume(ctx, threadID); resumeErr != nil {
			return "", cerr
		}
		if err := start(); err != nil {
			return "", classify("send message", err)
		}
	}
	if result.Turn.ID == "" {
		return "", &Error{Code: CodeUpstream, Message: "send message: turn id missing"}
	}

	b.setActiveTurn(threadID, result.Turn.ID)
	return result.Turn.ID, nil
}

// Interrupt stops a turn. With no turn id supplied the cached active
// turn is used; with nothing active the call fails without contacting
// the process.
func (b *Bridge) Interrupt(ctx context.Context, threadID, turnID string) error {
	if turnID == "" {
		b.mu.Lock()
		turnID = b.active[threadID]
		b.mu.Unlock()
		if turnID == "" {
			return conflictErr("no active turn to interrupt")
		}
	}
	params := map[string]any{"threadId": threadID, "turnId": turnID}
	if err := b.client.Call(ctx, "turn/interrupt", params, nil); err != nil {
		return classify("interrupt turn", err)
	}
	b.mu.Lock()
	if b.active[threadID] == turnID {
		delete(b.active, threadID)
	}
	b.mu.Unlock()
	return nil
}

// Attach registers a live connection in the thread's subscriber group.
// The first event on the stream is always a synthetic ready carrying the
// active-turn id as of registration; both happen under one lock so a
// racing turn-started cannot be lost or reordered.
func (b *Bridge) Attach(threadID string) *Subscriber {
	sub := &Subscriber{events: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	group, ok := b.subs[threadID]
	if !ok {
		group = make(map[*Subscriber]struct{})
		b.subs[threadID] = group
	}
	group[sub] = struct{}{}
	sub.events <- Event{
		Type:         EventReady,
		ThreadID:     threadID,
		ActiveTurnID: b.active[threadID],
	}
	b.mu.Unlock()

	return sub
}

// Detach removes the connection and prunes an emptied group.
func (b *Bridge) Detach(threadID string, sub *Subscriber) {
	b.mu.Lock()
	group, ok := b.subs[threadID]
	if ok {
		if _, member := group[sub]; member {
			delete(group, sub)
			close(sub.events)
		}
		if len(group) == 0 {
			delete(b.subs, threadID)
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) handleNotification(n rpc.Notification) {
	ev, ok := parseNotification(n)
	if !ok {
		return
	}
	switch ev.Type {
	case EventTurnStarted:
		if !b.setActiveTurn(ev.ThreadID, ev.TurnID) {
			return // already announced via send/resume
		}
		return
	case EventTurnCompleted:
		b.mu.Lock()
		// A stale completion for a superseded turn must not clear a
		// newer active turn.
		if b.active[ev.ThreadID] == ev.TurnID {
			delete(b.active, ev.ThreadID)
		}
		b.broadcastLocked(ev.ThreadID, ev)
		b.mu.Unlock()
		return
	default:
		b.mu.Lock()
		b.broadcastLocked(ev.ThreadID, ev)
		b.mu.Unlock()
	}
}

// setActiveTurn records turnID as the thread's active turn and announces
// it, returning false if it was already the active turn.
func (b *Bridge) setActiveTurn(threadID, turnID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[threadID] == turnID {
		return false
	}
	b.active[threadID] = turnID
	b.broadcastLocked(threadID, Event{
		Type:     EventTurnStarted,
		ThreadID: threadID,
		TurnID:   turnID,
	})
	return true
}

// broadcastLocked fans an event out to the thread's subscriber group
// only. Requires b.mu held.
func (b *Bridge) broadcastLocked(threadID string, ev Event) {
	for sub := range b.subs[threadID] {
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "thread_id", threadID, "type", ev.Type)
		}
	}
}

func (b *Bridge) validateModelEffort(ctx context.Context, model, effort *string) error {
	if model == nil && effort == nil {
		return nil
	}
	if effort != nil && model == nil {
		return validationErr("effort requires a model")
	}
	models := b.cachedModels(ctx)
	var found *Model
	for i := range models {
		if models[i].ID == *model {
			found = &models[i]
			break
		}
	}
	if found == nil {
		return validationErr("unknown model %q", *model)
	}
	if effort != nil {
		for _, e := range found.Efforts {
			if e == *effort {
				return nil
			}
		}
		return validationErr("model %q does not support effort %q", *model, *effort)
	}
	return nil
}

// resolveCwd validates a requested working directory, or falls back to
// the workspace root when none is given.
func (b *Bridge) resolveCwd(cwd *string) (*string, error) {
	if cwd == nil || strings.TrimSpace(*cwd) == "" {
		root := b.ws.Root()
		return &root, nil
	}
	resolved, err := b.ws.Resolve(*cwd)
	if err != nil {
		return nil, validationErr("invalid working directory: %v", err)
	}
	return &resolved, nil
}

// defaultOptions is the best-effort restore for a thread first seen
// after a restart: only the working directory survives, and only when it
// still resolves inside the workspace root.
func (b *Bridge) defaultOptions(threadCwd string) *LaunchOptions {
	opts := &LaunchOptions{
		ApprovalPolicy: "never",
		SandboxMode:    b.sandboxMode,
	}
	if threadCwd != "" && b.ws.Contains(threadCwd) {
		cwd := threadCwd
		opts.Cwd = &cwd
	}
	return opts
}

// cacheOptionsLocked stores launch options with FIFO eviction beyond the
// cap. Requires b.mu held.
func (b *Bridge) cacheOptionsLocked(threadID string, opts *LaunchOptions) {
	if _, exists := b.options[threadID]; !exists {
		b.optionOrder = append(b.optionOrder, threadID)
		if len(b.optionOrder) > b.optionCap {
			oldest := b.optionOrder[0]
			b.optionOrder = b.optionOrder[1:]
			delete(b.options, oldest)
		}
	}
	b.options[threadID] = opts
}

func isInProgress(status string) bool {
	switch strings.ToLower(status) {
	case "inprogress", "in_progress", "in-progress", "active", "running":
		return true
	}
	return false
}

// ActiveTurn exposes the cached active turn id for a thread, empty when
// none is tracked.
func (b *Bridge) ActiveTurn(threadID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[threadID]
}
