package wsbase

import (
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
)

// AcceptWebSocket upgrades an HTTP request to a WebSocket connection.
// originPatterns restricts allowed origins; empty means same-origin only.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return nil, err
	}
	return conn, nil
}
