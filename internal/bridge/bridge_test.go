package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cobblehill/agentboard/internal/rpc"
	"github.com/cobblehill/agentboard/internal/workspace"
)

// fakeCaller scripts app-server responses per method and records every
// call the bridge makes.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(method string, params map[string]any) (any, error)
	notify  []func(rpc.Notification)
}

type recordedCall struct {
	method string
	params map[string]any
}

func (f *fakeCaller) Call(_ context.Context, method string, params any, out any) error {
	m := toMap(params)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: m})
	handler := f.handler
	f.mu.Unlock()

	res, err := handler(method, m)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeCaller) OnNotification(fn func(rpc.Notification)) {
	f.notify = append(f.notify, fn)
}

func (f *fakeCaller) pushNote(method, params string) {
	for _, fn := range f.notify {
		fn(rpc.Notification{Method: method, Params: json.RawMessage(params)})
	}
}

func (f *fakeCaller) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func toMap(params any) map[string]any {
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func modelCatalog() any {
	return map[string]any{
		"data": []map[string]any{
			{
				"id":                     "gpt-5",
				"displayName":            "GPT-5",
				"defaultReasoningEffort": "medium",
				"reasoningEffort":        []map[string]any{{"effort": "low"}, {"effort": "medium"}, {"effort": "high"}},
				"isDefault":              true,
			},
		},
		"nextCursor": nil,
	}
}

func newTestBridge(t *testing.T, handler func(method string, params map[string]any) (any, error)) (*Bridge, *fakeCaller, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(root, nil)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	t.Cleanup(ws.Close)
	fc := &fakeCaller{handler: handler}
	b := New(fc, ws, Options{})
	return b, fc, root
}

func strptr(s string) *string { return &s }

func TestCreateThreadWithAllNullOptions(t *testing.T) {
	b, fc, root := newTestBridge(t, func(method string, params map[string]any) (any, error) {
		switch method {
		case "thread/start":
			if params["approvalPolicy"] != "never" {
				return nil, fmt.Errorf("approvalPolicy = %v, want never", params["approvalPolicy"])
			}
			return map[string]any{"thread": map[string]any{"id": "th-1"}}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	th, err := b.CreateThread(context.Background(), CreateThreadRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if th.ID != "th-1" {
		t.Fatalf("thread id = %q", th.ID)
	}
	opts := th.LaunchOptions
	if opts.Model != nil || opts.Effort != nil {
		t.Fatalf("model/effort should stay unset: %+v", opts)
	}
	if opts.Cwd == nil || *opts.Cwd != root {
		t.Fatalf("cwd = %v, want workspace root %q", opts.Cwd, root)
	}
	if fc.count("thread/start") != 1 {
		t.Fatalf("thread/start called %d times", fc.count("thread/start"))
	}
}

func TestCreateThreadRejectsUnknownModelBeforeProcessCall(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, params map[string]any) (any, error) {
		if method == "model/list" {
			return modelCatalog(), nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	_, err := b.CreateThread(context.Background(), CreateThreadRequest{Model: strptr("bogus")})
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeValidation {
		t.Fatalf("got %v, want validation error", err)
	}
	if fc.count("thread/start") != 0 {
		t.Fatal("thread/start must not be called on validation failure")
	}
}

func TestEffortRequiresModel(t *testing.T) {
	b, _, _ := newTestBridge(t, func(string, map[string]any) (any, error) {
		return nil, errors.New("should not be called")
	})
	_, err := b.CreateThread(context.Background(), CreateThreadRequest{Effort: strptr("high")})
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeValidation {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestUnknownEffortForKnownModel(t *testing.T) {
	b, _, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		if method == "model/list" {
			return modelCatalog(), nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	_, err := b.CreateThread(context.Background(), CreateThreadRequest{
		Model:  strptr("gpt-5"),
		Effort: strptr("maximal"),
	})
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeValidation {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestCreateThreadRejectsCwdOutsideRoot(t *testing.T) {
	b, _, _ := newTestBridge(t, func(string, map[string]any) (any, error) {
		return nil, errors.New("should not be called")
	})
	_, err := b.CreateThread(context.Background(), CreateThreadRequest{Cwd: strptr("/etc")})
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeValidation {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestCatalogDegradesToEmptyModels(t *testing.T) {
	b, _, root := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		if method == "model/list" {
			return nil, &rpc.Error{Method: "model/list", Code: -1, Message: "boom"}
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	cat, err := b.Catalog(context.Background())
	if err != nil {
		t.Fatalf("catalog must not fail when models are unavailable: %v", err)
	}
	if len(cat.Models) != 0 {
		t.Fatalf("models = %v, want empty", cat.Models)
	}
	if len(cat.WorkingDirs) == 0 || cat.WorkingDirs[0] != root {
		t.Fatalf("working dirs = %v, want root first", cat.WorkingDirs)
	}
	if len(cat.ApprovalPolicies) == 0 || len(cat.SandboxModes) == 0 {
		t.Fatal("fixed enumerations missing")
	}
}

func TestListThreadsPaginatesMergesAndSorts(t *testing.T) {
	b, _, _ := newTestBridge(t, func(method string, params map[string]any) (any, error) {
		switch method {
		case "thread/list":
			if params["cursor"] == nil {
				return map[string]any{
					"data":       []map[string]any{{"id": "a", "updatedAt": 10}},
					"nextCursor": "page2",
				}, nil
			}
			return map[string]any{
				"data":       []map[string]any{{"id": "b", "updatedAt": 30}},
				"nextCursor": nil,
			}, nil
		case "thread/listArchived":
			return map[string]any{
				// "a" is a duplicate and must not appear twice.
				"data":       []map[string]any{{"id": "a", "updatedAt": 10}, {"id": "c", "updatedAt": 20}},
				"nextCursor": nil,
			}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	threads, err := b.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, th := range threads {
		ids = append(ids, th.ID)
	}
	want := []string{"b", "c", "a"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestListThreadsBoundedAgainstCursorLoop(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		// Always hand back the same cursor: a buggy process must not
		// hang the listing.
		return map[string]any{"data": []map[string]any{}, "nextCursor": "again"}, nil
	})

	if _, err := b.ListThreads(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if n := fc.count("thread/list"); n != maxListPages {
		t.Fatalf("thread/list called %d times, want page cap %d", n, maxListPages)
	}
}

func TestGetThreadResumesOnceOnNotFound(t *testing.T) {
	reads := 0
	var root string
	var b *Bridge
	var fc *fakeCaller
	b, fc, root = newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		switch method {
		case "thread/read":
			reads++
			if reads == 1 {
				return nil, &rpc.Error{Method: "thread/read", Code: -32000, Message: "thread not found"}
			}
			return map[string]any{"thread": map[string]any{
				"id":  "th-9",
				"cwd": root,
				"turns": []map[string]any{
					{"id": "t1", "status": "completed"},
					{"id": "t2", "status": "inProgress"},
				},
			}}, nil
		case "thread/resume":
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	th, err := b.GetThread(context.Background(), "th-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fc.count("thread/resume") != 1 {
		t.Fatalf("thread/resume called %d times, want 1", fc.count("thread/resume"))
	}
	if th.ActiveTurnID != "t2" {
		t.Fatalf("active turn = %q, want t2", th.ActiveTurnID)
	}
	// Backfilled options: cwd restored, model/effort unrecoverable.
	if th.LaunchOptions.Cwd == nil || *th.LaunchOptions.Cwd != root {
		t.Fatalf("backfilled cwd = %v, want %q", th.LaunchOptions.Cwd, root)
	}
	if th.LaunchOptions.Model != nil {
		t.Fatal("model must not be invented on backfill")
	}
}

func TestGetThreadPermanentlyGoneSurfacesNotFound(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		switch method {
		case "thread/read":
			return nil, &rpc.Error{Method: "thread/read", Code: -32000, Message: "thread not found"}
		case "thread/resume":
			return nil, &rpc.Error{Method: "thread/resume", Code: -32000, Message: "thread not found"}
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	_, err := b.GetThread(context.Background(), "gone")
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeNotFound {
		t.Fatalf("got %v, want not_found", err)
	}
	// Exactly one resume attempt, no open-ended retry.
	if fc.count("thread/resume") != 1 {
		t.Fatalf("thread/resume called %d times, want 1", fc.count("thread/resume"))
	}
}

func TestSendMessageInterruptLifecycle(t *testing.T) {
	b, _, _ := newTestBridge(t, func(method string, params map[string]any) (any, error) {
		switch method {
		case "turn/start":
			return map[string]any{"turn": map[string]any{"id": "turn-1"}}, nil
		case "turn/interrupt":
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	sub := b.Attach("th-1")
	defer b.Detach("th-1", sub)

	// First event is always ready, with no turn active yet.
	ev := <-sub.Events()
	if ev.Type != EventReady || ev.ActiveTurnID != "" {
		t.Fatalf("first event = %+v, want empty ready", ev)
	}

	turnID, err := b.SendMessage(context.Background(), "th-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turnID != "turn-1" {
		t.Fatalf("turn id = %q", turnID)
	}

	ev = <-sub.Events()
	if ev.Type != EventTurnStarted || ev.TurnID != "turn-1" {
		t.Fatalf("got %+v, want turn-started turn-1", ev)
	}

	if err := b.Interrupt(context.Background(), "th-1", ""); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if b.ActiveTurn("th-1") != "" {
		t.Fatal("interrupt did not clear active turn")
	}

	err = b.Interrupt(context.Background(), "th-1", "")
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeConflict {
		t.Fatalf("second interrupt: got %v, want conflict", err)
	}
}

func TestSendMessageRetriesViaResume(t *testing.T) {
	starts := 0
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		switch method {
		case "turn/start":
			starts++
			if starts == 1 {
				return nil, &rpc.Error{Method: "turn/start", Code: -32000, Message: "thread not found"}
			}
			return map[string]any{"turn": map[string]any{"id": "turn-2"}}, nil
		case "thread/resume":
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	turnID, err := b.SendMessage(context.Background(), "th-2", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turnID != "turn-2" || fc.count("thread/resume") != 1 {
		t.Fatalf("turn=%q resumes=%d", turnID, fc.count("thread/resume"))
	}
}

func TestStaleCompletionDoesNotClearNewerTurn(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	fc.pushNote("turn/started", `{"threadId":"th","turn":{"id":"t1"}}`)
	fc.pushNote("turn/started", `{"threadId":"th","turn":{"id":"t2"}}`)
	// Stale completion for the superseded turn.
	fc.pushNote("turn/completed", `{"threadId":"th","turn":{"id":"t1"}}`)
	if got := b.ActiveTurn("th"); got != "t2" {
		t.Fatalf("active = %q, want t2 (stale completion ignored)", got)
	}

	fc.pushNote("turn/completed", `{"threadId":"th","turn":{"id":"t2"}}`)
	if got := b.ActiveTurn("th"); got != "" {
		t.Fatalf("active = %q, want cleared", got)
	}
}

func TestAttachReadyCarriesActiveTurn(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	fc.pushNote("turn/started", `{"threadId":"th","turn":{"id":"t7"}}`)

	sub := b.Attach("th")
	defer b.Detach("th", sub)
	ev := <-sub.Events()
	if ev.Type != EventReady || ev.ActiveTurnID != "t7" {
		t.Fatalf("ready = %+v, want active t7", ev)
	}
}

func TestEventsNeverCrossThreads(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	subA := b.Attach("thread-a")
	defer b.Detach("thread-a", subA)
	<-subA.Events() // ready

	fc.pushNote("item/created", `{"threadId":"thread-b","item":{"id":"i1"}}`)
	fc.pushNote("item/created", `{"threadId":"thread-a","item":{"id":"i2"}}`)

	select {
	case ev := <-subA.Events():
		if ev.ThreadID != "thread-a" || ev.ItemID != "i2" {
			t.Fatalf("got %+v, want thread-a item i2", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-subA.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestUnrecognizedNotificationIgnored(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	sub := b.Attach("th")
	defer b.Detach("th", sub)
	<-sub.Events()

	fc.pushNote("session/telemetry", `{"threadId":"th","anything":true}`)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unrecognized notification produced event %+v", ev)
	default:
	}
}

func TestUpdateOptionsWritesThroughWithoutProcessCall(t *testing.T) {
	b, fc, _ := newTestBridge(t, func(method string, _ map[string]any) (any, error) {
		if method == "model/list" {
			return modelCatalog(), nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})

	opts, err := b.UpdateOptions(context.Background(), "th", UpdateOptionsRequest{
		Model:  strptr("gpt-5"),
		Effort: strptr("high"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if opts.Model == nil || *opts.Model != "gpt-5" || opts.Effort == nil || *opts.Effort != "high" {
		t.Fatalf("opts = %+v", opts)
	}
	for _, c := range fc.calls {
		if c.method != "model/list" {
			t.Fatalf("unexpected process call %s", c.method)
		}
	}
}

func TestOptionCacheEvictsOldest(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ws.Close)

	n := 0
	fc := &fakeCaller{handler: func(method string, _ map[string]any) (any, error) {
		n++
		return map[string]any{"thread": map[string]any{"id": fmt.Sprintf("th-%d", n)}}, nil
	}}
	b := New(fc, ws, Options{OptionCap: 2})

	for i := 0; i < 3; i++ {
		if _, err := b.CreateThread(context.Background(), CreateThreadRequest{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.options["th-1"]; ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if len(b.options) != 2 {
		t.Fatalf("cache size = %d, want 2", len(b.options))
	}
}
