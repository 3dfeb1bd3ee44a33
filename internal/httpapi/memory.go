package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/pkg/types"
)

func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	var in types.WriteInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Operator = types.OperatorAPI
	rec, err := s.deps.Memory.Write(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	f := types.SearchFilter{
		Query:          q.Get("q"),
		Tier:           types.Tier(q.Get("tier")),
		Limit:          limit,
		IncludeDeleted: queryBool(r, "include_deleted"),
	}
	if tags := strings.TrimSpace(q.Get("tags")); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, apperr.Validation("search memories", "since must be RFC3339"))
			return
		}
		f.Since = t
	}
	recs, err := s.deps.Memory.Search(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Memory.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Memory.Get(r.Context(), r.PathValue("id"), queryBool(r, "include_deleted"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMemoryUpdate(w http.ResponseWriter, r *http.Request) {
	var in types.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.ID = r.PathValue("id")
	in.Operator = types.OperatorAPI
	rec, err := s.deps.Memory.Update(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Memory.Delete(r.Context(), id, types.OperatorAPI); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleMemoryRestore(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Memory.Restore(r.Context(), r.PathValue("id"), types.OperatorAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMemoryArchive(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Memory.Archive(r.Context(), r.PathValue("id"), types.OperatorAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMemoryAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Memory.AuditLog(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMemoryMerge(w http.ResponseWriter, r *http.Request) {
	var in types.MergeInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Operator = types.OperatorAPI
	rec, err := s.deps.Memory.Merge(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
