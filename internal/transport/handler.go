package transport

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader leaves CheckOrigin permissive: origin policy is a
// deployment decision, enforced by whatever fronts this handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnectionHandler is invoked once per successfully upgraded socket,
// with the adapted Conn and the initial context to seed the
// corresponding ClientConnection (e.g. values parsed from request
// headers or query parameters).
type ConnectionHandler func(conn *Conn, initialContext map[string]any)

// Handler upgrades incoming HTTP requests to WebSocket and hands each
// resulting Conn to an on-connect callback. Document routing is a
// per-frame, not per-socket, decision — every frame carries its own
// documentName — so the handler stays a pure transport concern.
type Handler struct {
	onConnect ConnectionHandler
}

// NewHandler returns a Handler that calls onConnect for every upgraded
// socket.
func NewHandler(onConnect ConnectionHandler) *Handler {
	return &Handler{onConnect: onConnect}
}

// ServeHTTP implements http.Handler. The upgrade request's headers are
// carried into the initial context so authentication extensions (e.g.
// the read-only header ACL) can inspect them long after the HTTP
// request is gone.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := New(ws)
	initialContext := map[string]any{
		"remoteAddress":  conn.RemoteAddress(),
		"requestHeaders": r.Header.Clone(),
	}
	h.onConnect(conn, initialContext)
}
