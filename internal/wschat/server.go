package wschat

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/cobblehill/agentboard/internal/bridge"
	"github.com/cobblehill/agentboard/internal/wsbase"
)

// Server manages WebSocket connections streaming thread events.
type Server struct {
	bridge         *bridge.Bridge
	authToken      string
	originPatterns []string
	logger         *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewServer creates a thread-stream WebSocket server.
func NewServer(b *bridge.Bridge, authToken string, originPatterns []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bridge:         b,
		authToken:      authToken,
		originPatterns: originPatterns,
		logger:         logger.With("component", "wschat"),
		clients:        make(map[*Client]struct{}),
	}
}

// HandleThread is the HTTP handler for /ws/threads/{id}. The connection
// is bound to exactly one thread for its whole lifetime.
func (s *Server) HandleThread(w http.ResponseWriter, r *http.Request, threadID string) {
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}
	if !wsbase.IsAuthorizedRequest(s.authToken, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsbase.AcceptWebSocket(w, r, s.originPatterns)
	if err != nil {
		return
	}

	client := newClient(conn, s, threadID)
	s.addClient(client)
	defer s.removeClient(client)

	client.run()
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
