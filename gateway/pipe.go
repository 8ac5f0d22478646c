package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/anqori/anchorwatch/hub"
)

// pipeAuthorized accepts the secret as the boatSecret query parameter or as
// a bearer header. Browsers cannot set headers on websocket requests.
func (s *Server) pipeAuthorized(r *http.Request) bool {
	if s.cfg.BoatSecret == "" {
		return true
	}
	if secretMatches(strings.TrimSpace(r.URL.Query().Get("boatSecret")), s.cfg.BoatSecret) {
		return true
	}
	return s.authorized(r)
}

func (s *Server) handlePipe(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.writeError(w, http.StatusUpgradeRequired, "UPGRADE_REQUIRED", "websocket upgrade required")
		return
	}
	q := r.URL.Query()
	boatID := strings.TrimSpace(q.Get("boatId"))
	if boatID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "boatId query param required")
		return
	}
	if !s.pipeAuthorized(r) {
		s.writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "invalid or missing boat secret")
		return
	}
	if !s.inScope(boatID) {
		s.writeScopeError(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		s.logger.Debug("pipe upgrade failed", "boat_id", boatID, "error", err)
		return
	}
	socket := hub.NewSocket(conn, q.Get("role"), strings.TrimSpace(q.Get("deviceId")), s.cfg.Socket)
	s.logger.Debug("pipe open", "boat_id", boatID, "socket_id", socket.ID(), "role", socket.Role())
	if err := s.hub.Serve(s.ctx, boatID, socket); err != nil {
		s.logger.Warn("pipe rejected", "boat_id", boatID, "error", err)
	}
}
