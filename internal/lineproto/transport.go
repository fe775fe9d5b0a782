// Package lineproto frames a child process's stdin/stdout as
// newline-delimited JSON. One JSON value per line in both directions;
// writes are serialized, reads are incremental, and the process's
// stderr is logged rather than parsed.
package lineproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// ErrNotWritable is returned by Send when the child process has not been
// started or its stdin has already been closed.
var ErrNotWritable = errors.New("process not writable")

// Config describes the child process to spawn.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
	Logger  *slog.Logger
}

// Transport owns one child process and its line-framed streams.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	lines chan json.RawMessage
	done  chan error

	exitOnce sync.Once
}

// Start spawns the process and begins reading its output. Decoded lines
// are delivered on Lines; process exit is reported exactly once on Done.
func Start(cfg Config) (*Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	t := &Transport{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		lines:  make(chan json.RawMessage, 64),
		done:   make(chan error, 1),
	}

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	return t, nil
}

// Lines delivers one decoded JSON value per non-empty input line.
// The channel is closed after the process exits.
func (t *Transport) Lines() <-chan json.RawMessage {
	return t.lines
}

// Done reports process exit exactly once. A nil error means a clean exit.
func (t *Transport) Done() <-chan error {
	return t.done
}

// Send writes one JSON value followed by a newline. It fails immediately
// if the process is not writable; nothing is queued.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrNotWritable
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.closed = true
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts down the process input. The read loop finishes on its own
// once the process exits.
func (t *Transport) Close() {
	t.writeMu.Lock()
	if !t.closed {
		t.closed = true
		_ = t.stdin.Close()
	}
	t.writeMu.Unlock()
}

// Kill forcibly terminates the process.
func (t *Transport) Kill() {
	t.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *Transport) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if len(trimSpace(line)) > 0 {
			trimmed := trimSpace(line)
			if !json.Valid(trimmed) {
				t.logger.Warn("dropping malformed line", "bytes", len(trimmed))
			} else {
				out := make(json.RawMessage, len(trimmed))
				copy(out, trimmed)
				t.lines <- out
			}
		}
		if err != nil {
			break
		}
	}
	t.finish()
}

func (t *Transport) finish() {
	err := t.cmd.Wait()

	t.writeMu.Lock()
	t.closed = true
	t.writeMu.Unlock()

	t.exitOnce.Do(func() {
		if err != nil {
			t.logger.Warn("process exited", "error", err)
		}
		t.done <- err
		close(t.lines)
	})
}

func (t *Transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if s := scanner.Text(); s != "" {
			t.logger.Debug("process stderr", "line", s)
		}
	}
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
