package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/registry"
	"github.com/xiy/agent-core/pkg/types"
)

type registerRequest struct {
	Endpoint     string       `json:"endpoint"`
	Port         int          `json:"port"`
	Name         string       `json:"name"`
	Tools        []types.Tool `json:"tools"`
	Capabilities []string     `json:"capabilities"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	endpoint, err := resolveEndpoint(req.Endpoint, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Registry.Register(r.Context(), registry.RegisterInput{
		Endpoint:     endpoint,
		Name:         req.Name,
		Tools:        req.Tools,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"message":  fmt.Sprintf("plugin %s registered with %d tools", p.Name, len(p.Tools)),
		"endpoint": p.Endpoint,
	})
}

type heartbeatRequest struct {
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	endpoint, err := resolveEndpoint(req.Endpoint, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Registry.Heartbeat(r.Context(), endpoint); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			// Plugins re-register when they see not_found.
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found", "message": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Endpoint    string         `json:"from_endpoint"`
	PluginName  string         `json:"plugin_name"`
	CatalogName string         `json:"catalog_name"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Registry.ListTools()
	cat := s.deps.Orchestrator.CatalogFor(entries)
	out := make([]toolView, 0, len(entries))
	for _, e := range entries {
		name, _ := cat.NameOf(e.Ref())
		out = append(out, toolView{
			Name:        e.Tool.Name,
			Description: e.Tool.Description,
			Parameters:  e.Tool.Parameters,
			Endpoint:    e.Endpoint,
			PluginName:  e.PluginName,
			CatalogName: name,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Plugins())
}

type toolCallRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolCall dispatches a plugin tool by catalog name outside of a chat
// turn.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	const op = "manual tool call"
	var req toolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := strings.TrimSpace(req.ToolName)
	if name == "" {
		writeError(w, apperr.Validation(op, "tool_name is required"))
		return
	}
	entry, ok := s.deps.Orchestrator.Catalog().Resolve(name)
	if !ok {
		writeError(w, apperr.NotFound(op, "unknown tool %q", name))
		return
	}
	if entry.Builtin {
		writeError(w, apperr.Validation(op, "%q is a builtin and only runs inside a chat turn", name))
		return
	}
	result, err := s.deps.Dispatcher.Dispatch(r.Context(), entry.Ref, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"tool":          name,
		"from_endpoint": entry.Ref.Endpoint,
		"result":        result,
	})
}

type eventPushRequest struct {
	FromEndpoint string         `json:"from_endpoint"`
	FromPort     int            `json:"from_port"`
	EventType    string         `json:"event_type"`
	Data         map[string]any `json:"data"`
	SessionID    string         `json:"session_id"`
}

func (s *Server) handleEventPush(w http.ResponseWriter, r *http.Request) {
	const op = "push event"
	var req eventPushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	source, err := resolveEndpoint(req.FromEndpoint, req.FromPort)
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		writeError(w, apperr.Validation(op, "event_type is required"))
		return
	}
	ev := types.ExternalEvent{
		Source:    source,
		Type:      req.EventType,
		SessionID: strings.TrimSpace(req.SessionID),
		Data:      req.Data,
	}
	if p, ok := s.deps.Registry.Get(source); ok {
		ev.SourceName = p.Name
	}
	delivered := s.deps.Router.PushExternal(ev)
	s.logger.Debug("plugin event received", "source", source, "type", req.EventType, "delivered", delivered)
	writeJSON(w, http.StatusOK, map[string]any{"status": "received", "delivered": delivered})
}
