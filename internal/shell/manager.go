// Package shell owns the interactive pty-backed sessions: process
// lifecycle, bounded output buffering for reconnect replay, idle
// reaping, and per-session subscriber fan-out.
package shell

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/cobblehill/agentboard/internal/workspace"
)

// Terminal dimensions accepted for a session, both axes. Structured
// resize messages outside the range are rejected; the creation path
// clamps instead when values are absent or out of range.
const (
	MinCols = 10
	MaxCols = 512
	MinRows = 4
	MaxRows = 256
)

const (
	defaultSnapshotCap = 256 * 1024
	defaultPreviewCap  = 2 * 1024
	defaultIdleTimeout = 10 * time.Minute
	defaultRetention   = time.Hour
	defaultMaxSessions = 32
	defaultCols        = 120
	defaultRows        = 32
)

// Status is a session's lifecycle state. Transitions out of running
// happen exactly once and are never reversed.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusError   Status = "error"
)

// Error is the typed failure surfaced by the manager.
type Error struct {
	Code    string // validation, not_found, conflict, spawn
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// HTTPStatus maps the code to its boundary status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errValidation(format string, args ...any) *Error {
	return &Error{Code: "validation", Message: fmt.Sprintf(format, args...)}
}

func errNotFound(id string) *Error {
	return &Error{Code: "not_found", Message: "session not found: " + id}
}

func errConflict(format string, args ...any) *Error {
	return &Error{Code: "conflict", Message: fmt.Sprintf(format, args...)}
}

// Profile is one entry of the fixed command allow-list. Arbitrary
// command execution is never exposed.
type Profile struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// EventType tags a subscriber stream message.
type EventType string

const (
	EventOutput EventType = "output"
	EventStatus EventType = "status"
)

// Event is one message on a session's subscriber stream.
type Event struct {
	Type     EventType `json:"type"`
	Data     string    `json:"data,omitempty"`
	Status   Status    `json:"status,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Signal   string    `json:"signal,omitempty"`
}

// Subscriber is one live connection attached to a session.
type Subscriber struct {
	events chan Event
}

// Events delivers output and status in arrival order; closed on detach.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// SessionInfo is the list-view projection of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile"`
	Cwd       string    `json:"cwd"`
	Status    Status    `json:"status"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Preview   string    `json:"lastOutputPreview,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type session struct {
	id      string
	profile string
	cwd     string

	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	status    Status
	cols      int
	rows      int
	snapshot  *tailBuffer
	preview   *tailBuffer
	exitCode  *int
	signal    string
	subs      map[*Subscriber]struct{}
	idleTimer *time.Timer
	createdAt time.Time
	exitedAt  time.Time
}

// Options configures a Manager.
type Options struct {
	SnapshotCap int
	PreviewCap  int
	IdleTimeout time.Duration
	Retention   time.Duration
	MaxSessions int
	Logger      *slog.Logger
}

// Manager owns all shell sessions for one deployment.
type Manager struct {
	ws       *workspace.Workspace
	profiles map[string]Profile
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds a manager over the given profile allow-list.
func NewManager(ws *workspace.Workspace, profiles []Profile, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SnapshotCap <= 0 {
		opts.SnapshotCap = defaultSnapshotCap
	}
	if opts.PreviewCap <= 0 {
		opts.PreviewCap = defaultPreviewCap
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Manager{
		ws:       ws,
		profiles: byName,
		logger:   opts.Logger.With("component", "shell"),
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Create spawns a pty session from a named profile. Missing or
// out-of-range dimensions are clamped on this path.
func (m *Manager) Create(profileName, cwd string, cols, rows int) (*SessionInfo, error) {
	profile, ok := m.profiles[profileName]
	if !ok {
		return nil, errValidation("unknown shell profile %q", profileName)
	}
	resolvedCwd, err := m.ws.Resolve(cwd)
	if err != nil {
		return nil, errValidation("invalid working directory: %v", err)
	}
	cols = clampDim(cols, defaultCols, MinCols, MaxCols)
	rows = clampDim(rows, defaultRows, MinRows, MaxRows)

	m.mu.Lock()
	live := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.status == StatusRunning {
			live++
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()
	if live >= m.opts.MaxSessions {
		return nil, errConflict("session limit reached (%d)", m.opts.MaxSessions)
	}

	cmd := exec.Command(profile.Command, profile.Args...)
	cmd.Dir = resolvedCwd
	cmd.Env = os.Environ()
	for k, v := range profile.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, &Error{Code: "spawn", Message: fmt.Sprintf("start %s: %v", profile.Command, err)}
	}

	s := &session{
		id:        uuid.NewString(),
		profile:   profileName,
		cwd:       resolvedCwd,
		cmd:       cmd,
		ptmx:      ptmx,
		status:    StatusRunning,
		cols:      cols,
		rows:      rows,
		snapshot:  newTailBuffer(m.opts.SnapshotCap),
		preview:   newTailBuffer(m.opts.PreviewCap),
		subs:      make(map[*Subscriber]struct{}),
		createdAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	// A freshly created session has no subscribers yet; it is already on
	// the idle clock.
	s.mu.Lock()
	m.armIdleTimerLocked(s)
	s.mu.Unlock()

	go m.readLoop(s)

	m.logger.Info("shell created", "session_id", s.id, "profile", profileName, "cwd", resolvedCwd)
	return m.info(s), nil
}

// List returns every known session, newest first.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *m.info(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns one session's list-view projection.
func (m *Manager) Get(id string) (*SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.info(s), nil
}

// Write sends keystrokes to a running session.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return errConflict("session %s is not running", id)
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Resize changes the pty window. Unlike creation, out-of-range values
// here are rejected, not clamped: they came from a structured client
// message that should have known better.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols < MinCols || cols > MaxCols {
		return errValidation("cols %d out of range [%d,%d]", cols, MinCols, MaxCols)
	}
	if rows < MinRows || rows > MaxRows {
		return errValidation("rows %d out of range [%d,%d]", rows, MinRows, MaxRows)
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return errConflict("session %s is not running", id)
	}
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	s.mu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill terminates the session's process. Status flips once the process
// actually exits, through the same path as a voluntary exit.
func (m *Manager) Kill(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.kill(s)
	return nil
}

func (m *Manager) kill(s *session) {
	s.mu.Lock()
	running := s.status == StatusRunning
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()
	if !running {
		return
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGHUP)
	}
	_ = ptmx.Close()
}

// Attach registers a live connection and returns the snapshot tail to
// replay, atomically with registration so no output is lost in between.
// Attaching cancels any pending idle kill.
func (m *Manager) Attach(id string) (*Subscriber, []byte, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	sub := &Subscriber{events: make(chan Event, 256)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	snap := s.snapshot.Bytes()
	// A session that already finished still replays its tail; follow up
	// with the terminal status so the client need not poll.
	if s.status != StatusRunning {
		sub.events <- Event{Type: EventStatus, Status: s.status, ExitCode: s.exitCode, Signal: s.signal}
	}
	s.mu.Unlock()

	return sub, snap, nil
}

// Detach removes the connection; when the last one leaves a running
// session, the idle timer starts.
func (m *Manager) Detach(id string, sub *Subscriber) {
	s, err := m.lookup(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if _, member := s.subs[sub]; member {
		delete(s.subs, sub)
		close(sub.events)
	}
	if len(s.subs) == 0 && s.status == StatusRunning {
		m.armIdleTimerLocked(s)
	}
	s.mu.Unlock()
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return s, nil
}

func (m *Manager) info(s *session) *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionInfo{
		ID:        s.id,
		Profile:   s.profile,
		Cwd:       s.cwd,
		Status:    s.status,
		Cols:      s.cols,
		Rows:      s.rows,
		Preview:   string(s.preview.Bytes()),
		ExitCode:  s.exitCode,
		Signal:    s.signal,
		CreatedAt: s.createdAt,
	}
}

// armIdleTimerLocked schedules an idle kill; a new subscriber cancels
// it. Requires s.mu held.
func (m *Manager) armIdleTimerLocked(s *session) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(m.opts.IdleTimeout, func() {
		s.mu.Lock()
		idle := len(s.subs) == 0 && s.status == StatusRunning
		s.mu.Unlock()
		if idle {
			m.logger.Info("killing idle shell", "session_id", s.id)
			m.kill(s)
		}
	})
}

// readLoop streams pty output into the buffers and out to subscribers,
// then records the exit exactly once.
func (m *Manager) readLoop(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.snapshot.Write(chunk)
			s.preview.Write(chunk)
			ev := Event{Type: EventOutput, Data: string(chunk)}
			for sub := range s.subs {
				select {
				case sub.events <- ev:
				default:
					m.logger.Warn("dropping output for slow subscriber", "session_id", s.id)
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	err := s.cmd.Wait()
	exitCode := 0
	signal := ""
	status := StatusExited
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
		status = StatusError
	}

	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = status
		s.exitCode = &exitCode
		s.signal = signal
		s.exitedAt = time.Now()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		ev := Event{Type: EventStatus, Status: status, ExitCode: &exitCode, Signal: signal}
		for sub := range s.subs {
			select {
			case sub.events <- ev:
			default:
				m.logger.Warn("dropping status for slow subscriber", "session_id", s.id)
			}
		}
	}
	s.mu.Unlock()

	m.logger.Info("shell exited", "session_id", s.id, "exit_code", exitCode, "signal", signal)

	// Exited sessions linger for inspection, then are swept.
	time.AfterFunc(m.opts.Retention, func() { m.remove(s.id) })
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Shutdown kills every running session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.kill(s)
	}
}

// clampDim pulls a dimension into range, substituting the default when
// the value is absent (zero or negative).
func clampDim(v, def, min, max int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
