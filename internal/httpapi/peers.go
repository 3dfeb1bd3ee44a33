package httpapi

import (
	"net/http"
)

type connectRequest struct {
	TargetEndpoint string `json:"target_endpoint"`
	Alias          string `json:"alias"`
}

func (s *Server) handleACPConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.deps.Peers.Connect(r.Context(), req.TargetEndpoint, req.Alias)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "connected",
		"alias":      conn.Alias,
		"agent_info": conn.Info,
	})
}

func (s *Server) handleACPDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Peers.Disconnect(r.Context(), req.Alias); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected", "alias": req.Alias})
}

// handleACPAgents lists peers. With refresh=true every peer is pinged first
// and unreachable ones are dropped.
func (s *Server) handleACPAgents(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "refresh") {
		for _, conn := range s.deps.Peers.List() {
			if _, err := s.deps.Peers.Ping(r.Context(), conn.Alias); err != nil {
				s.logger.Debug("peer ping failed", "alias", conn.Alias, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Peers.List())
}
