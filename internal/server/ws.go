// ABOUTME: WebSocket upgrade handler bridging HTTP into the connection manager
// ABOUTME: The bearer token rides the Authorization header or a token query param

package server

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/parley-chat/parley/internal/connection"
)

// handleWS upgrades GET /ws and hands the connection to the manager. The
// token is accepted from the Authorization header or, for browser clients
// that cannot set headers on WebSocket upgrades, a token query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = header
		}
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := s.manager.Serve(r.Context(), connection.NewWSConn(c), token); err != nil {
		s.logger.Debug("session terminated", "error", err)
	}
}
