package wsshell

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/cobblehill/agentboard/internal/shell"
	"github.com/cobblehill/agentboard/internal/workspace"
)

var testProfiles = []shell.Profile{
	{Name: "cat", Command: "cat"},
	{Name: "sleep", Command: "sleep", Args: []string{"60"}},
	{Name: "true", Command: "true"},
}

func setupTestServer(t *testing.T, authToken string) (*shell.Manager, *httptest.Server) {
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

	m := shell.NewManager(ws, testProfiles, shell.Options{})
	t.Cleanup(m.Shutdown)
	srv := NewServer(m, authToken, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/shells/", func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/shells/")
		srv.HandleSession(w, r, sessionID)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return m, ts
}

type testConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID string) *testConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/shells/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &testConn{conn: conn, ctx: ctx}
}

func (c *testConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv(t *testing.T) serverMessage {
	t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func (c *testConn) recvUntil(t *testing.T, typ string) serverMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := c.recv(t)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("never received message of type %q", typ)
	return serverMessage{}
}

func TestSnapshotIsFirstMessage(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("sleep", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialSession(t, ts, info.ID)
	msg := c.recv(t)
	if msg.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}
	if msg.SessionID != info.ID {
		t.Fatalf("sessionId = %q, want %q", msg.SessionID, info.ID)
	}
}

func TestInputProducesOutput(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("cat", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialSession(t, ts, info.ID)
	c.recv(t) // snapshot

	c.send(t, clientMessage{Type: "input", Data: "marker-7\r"})

	// The dial context bounds the wait; a missing echo fails the read.
	var collected strings.Builder
	for i := 0; i < 50; i++ {
		msg := c.recv(t)
		if msg.Type == "output" {
			collected.WriteString(msg.Data)
		}
		if strings.Contains(collected.String(), "marker-7") {
			return
		}
	}
	t.Fatalf("never saw echoed output, got %q", collected.String())
}

func TestSnapshotReplaysEarlierOutput(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("cat", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Write(info.ID, []byte("replayed-bytes\r")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Poll until the pty echo lands in the retained tail.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c := dialSession(t, ts, info.ID)
		msg := c.recv(t)
		if strings.Contains(msg.Snapshot, "replayed-bytes") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %q never contained earlier output", msg.Snapshot)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestResizeRequiresBothDimensions(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("sleep", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialSession(t, ts, info.ID)
	c.recv(t) // snapshot

	cols := 80
	c.send(t, clientMessage{Type: "resize", Cols: &cols})
	msg := c.recvUntil(t, "error")
	if msg.Code != "validation" {
		t.Fatalf("code = %q, want validation", msg.Code)
	}
}

func TestResizeOutOfRangeRejected(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("sleep", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialSession(t, ts, info.ID)
	c.recv(t) // snapshot

	cols, rows := 3, 24
	c.send(t, clientMessage{Type: "resize", Cols: &cols, Rows: &rows})
	msg := c.recvUntil(t, "error")
	if msg.Code != "validation" {
		t.Fatalf("code = %q, want validation", msg.Code)
	}
}

func TestUnknownMessageType(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("sleep", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialSession(t, ts, info.ID)
	c.recv(t) // snapshot

	c.send(t, clientMessage{Type: "bogus"})
	msg := c.recvUntil(t, "error")
	if !strings.Contains(msg.Error, "unknown message type") {
		t.Fatalf("error = %q, want unknown message type", msg.Error)
	}
}

func TestDialUnknownSessionFails(t *testing.T) {
	_, ts := setupTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/shells/no-such-session"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected dial to unknown session to fail")
	}
}

func TestExitDeliversStatusEvent(t *testing.T) {
	m, ts := setupTestServer(t, "")
	info, err := m.Create("true", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wait for the process to finish, then attach; the terminal status
	// is replayed to the late subscriber.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := m.Get(info.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != shell.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := dialSession(t, ts, info.ID)
	c.recv(t) // snapshot
	msg := c.recvUntil(t, "status")
	if msg.Status != shell.StatusExited {
		t.Fatalf("status = %q, want exited", msg.Status)
	}
	if msg.ExitCode == nil || *msg.ExitCode != 0 {
		t.Fatalf("exitCode = %v, want 0", msg.ExitCode)
	}
}

func TestUnauthorizedDialRejected(t *testing.T) {
	m, ts := setupTestServer(t, "secret")
	info, err := m.Create("sleep", "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/shells/" + info.ID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected dial without token to fail")
	}
}
