package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	infos, err := s.deps.Sessions.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Sessions.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": stats,
		"router":   s.deps.Router.Stats(),
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.deps.Sessions.GetRecent(r.Context(), r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSessionArchive(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Sessions.ArchivedMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Clear(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "session_id": id})
}

type monoRequest struct {
	Content    string `json:"content"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleSessionMono(w http.ResponseWriter, r *http.Request) {
	var req monoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	item, err := s.deps.Sessions.AddMono(r.Context(), r.PathValue("id"), req.Content, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}
