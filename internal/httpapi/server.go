package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cobblehill/agentboard/internal/bridge"
	"github.com/cobblehill/agentboard/internal/shell"
	"github.com/cobblehill/agentboard/internal/wsbase"
	"github.com/cobblehill/agentboard/internal/wschat"
	"github.com/cobblehill/agentboard/internal/wsshell"
)

const defaultRequestTimeout = 30 * time.Second

// Server translates REST calls into bridge and shell operations. It holds
// no domain state of its own.
type Server struct {
	bridge    *bridge.Bridge
	shells    *shell.Manager
	chat      *wschat.Server
	shellWS   *wsshell.Server
	authToken string
	timeout   time.Duration
	logger    *slog.Logger
}

// Options configures the HTTP surface.
type Options struct {
	// AuthToken guards every endpoint when non-empty.
	AuthToken string
	// OriginPatterns is passed through to the websocket accept.
	OriginPatterns []string
	// RequestTimeout bounds each REST call's upstream work.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewServer assembles the REST and WebSocket surface over the bridge and
// the shell manager.
func NewServer(b *bridge.Bridge, shells *shell.Manager, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Server{
		bridge:    b,
		shells:    shells,
		chat:      wschat.NewServer(b, opts.AuthToken, opts.OriginPatterns, logger),
		shellWS:   wsshell.NewServer(shells, opts.AuthToken, opts.OriginPatterns, logger),
		authToken: opts.AuthToken,
		timeout:   timeout,
		logger:    logger.With("component", "httpapi"),
	}
}

// Routes builds the router. Everything except the health check sits
// behind the token middleware; query-parameter tokens are accepted so
// browser WebSocket clients can authenticate.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(wsbase.CorsHandler)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/api/catalog", s.handleCatalog)

		r.Route("/api/threads", func(r chi.Router) {
			r.Get("/", s.handleListThreads)
			r.Post("/", s.handleCreateThread)
			r.Get("/{id}", s.handleGetThread)
			r.Put("/{id}/options", s.handleUpdateOptions)
			r.Post("/{id}/messages", s.handleSendMessage)
			r.Post("/{id}/interrupt", s.handleInterrupt)
			r.Get("/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
				s.chat.HandleThread(w, r, chi.URLParam(r, "id"))
			})
		})

		r.Route("/api/shells", func(r chi.Router) {
			r.Get("/", s.handleListShells)
			r.Post("/", s.handleCreateShell)
			r.Get("/{id}", s.handleGetShell)
			r.Delete("/{id}", s.handleKillShell)
			r.Get("/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
				s.shellWS.HandleSession(w, r, chi.URLParam(r, "id"))
			})
		})
	})

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wsbase.IsAuthorizedRequest(s.authToken, r) {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	cat, err := s.bridge.Catalog(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	threads, err := s.bridge.ListThreads(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req bridge.CreateThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	thread, err := s.bridge.CreateThread(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	thread, err := s.bridge.GetThread(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var req bridge.UpdateOptionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	opts, err := s.bridge.UpdateOptions(ctx, chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	turnID, err := s.bridge.SendMessage(ctx, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"turnId": turnID})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TurnID string `json:"turnId"`
	}
	// An empty body means "interrupt whatever is active".
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.bridge.Interrupt(ctx, chi.URLParam(r, "id"), req.TurnID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListShells(w http.ResponseWriter, r *http.Request) {
	include, exclude, err := wsbase.CompileNameFilters(
		r.URL.Query().Get("include"), r.URL.Query().Get("exclude"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation", err.Error()))
		return
	}
	all := s.shells.List()
	sessions := make([]shell.SessionInfo, 0, len(all))
	for _, info := range all {
		if wsbase.PassesFilter(info.Profile, include, exclude) {
			sessions = append(sessions, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
		Cwd     string `json:"cwd"`
		Cols    int    `json:"cols"`
		Rows    int    `json:"rows"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.shells.Create(req.Profile, req.Cwd, req.Cols, req.Rows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetShell(w http.ResponseWriter, r *http.Request) {
	info, err := s.shells.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleKillShell(w http.ResponseWriter, r *http.Request) {
	if err := s.shells.Kill(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var be *bridge.Error
	if errors.As(err, &be) {
		writeJSON(w, be.HTTPStatus(), errorBody(string(be.Code), be.Message))
		return
	}
	var se *shell.Error
	if errors.As(err, &se) {
		writeJSON(w, se.HTTPStatus(), errorBody(se.Code, se.Message))
		return
	}
	s.logger.Error("unclassified error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}
