package wsshell

import (
	"log/slog"
	"net/http"

	"github.com/cobblehill/agentboard/internal/shell"
	"github.com/cobblehill/agentboard/internal/wsbase"
)

// Server manages WebSocket connections attached to interactive shell
// sessions.
type Server struct {
	manager        *shell.Manager
	authToken      string
	originPatterns []string
	logger         *slog.Logger
}

// NewServer creates a shell-session WebSocket server.
func NewServer(m *shell.Manager, authToken string, originPatterns []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:        m,
		authToken:      authToken,
		originPatterns: originPatterns,
		logger:         logger.With("component", "wsshell"),
	}
}

// HandleSession is the HTTP handler for /ws/shells/{id}. The session must
// exist before the socket is upgraded so a bad id fails as plain HTTP.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if !wsbase.IsAuthorizedRequest(s.authToken, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.manager.Get(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := wsbase.AcceptWebSocket(w, r, s.originPatterns)
	if err != nil {
		return
	}

	client := newClient(conn, s, sessionID)
	client.run()
}
