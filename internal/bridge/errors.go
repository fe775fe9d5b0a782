package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cobblehill/agentboard/internal/rpc"
)

// Code is a stable machine-readable error class.
type Code string

const (
	CodeValidation  Code = "validation"  // bad input, rejected before any process call
	CodeNotFound    Code = "not_found"   // unknown thread/turn
	CodeUpstream    Code = "upstream"    // app-server returned an error
	CodeUnavailable Code = "unavailable" // app-server not running or timed out
	CodeConflict    Code = "conflict"    // operation invalid in current state
)

// Error is the only error type the bridge surfaces. Raw process error
// text is wrapped, never forwarded as-is.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the code to its boundary status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func validationErr(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictErr(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// classify maps a process-level failure onto the bridge taxonomy.
func classify(op string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, rpc.ErrUnavailable) || errors.Is(err, rpc.ErrTimeout) {
		return &Error{Code: CodeUnavailable, Message: op + " unavailable", Err: err}
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		if isNotFoundMessage(rpcErr.Message) {
			return &Error{Code: CodeNotFound, Message: op + ": thread not found", Err: err}
		}
		return &Error{Code: CodeUpstream, Message: op + " failed upstream", Err: err}
	}
	return &Error{Code: CodeUpstream, Message: op + " failed", Err: err}
}

func isNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == CodeNotFound
}

func isNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "no thread") ||
		strings.Contains(m, "unknown thread")
}
