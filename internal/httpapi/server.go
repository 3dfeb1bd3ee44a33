// Package httpapi exposes the control plane over HTTP and WebSocket under
// /api/v1.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/xiy/agent-core/internal/acp"
	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/dispatch"
	"github.com/xiy/agent-core/internal/memory"
	"github.com/xiy/agent-core/internal/orchestrator"
	"github.com/xiy/agent-core/internal/registry"
	"github.com/xiy/agent-core/internal/router"
	"github.com/xiy/agent-core/internal/session"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

const prefix = "/api/v1"

// RequestLogSink receives one row per handled request.
type RequestLogSink interface {
	InsertRequestLog(ctx context.Context, rec store.RequestLog) error
}

// Deps are the components served by the API. RequestLog may be nil.
type Deps struct {
	Registry     *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Router       *router.Router
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Service
	Sessions     *session.Store
	Peers        *acp.Connector
	RequestLog   RequestLogSink
	Config       config.Config
}

// Server owns the HTTP handler tree.
type Server struct {
	deps     Deps
	info     types.AgentInfo
	logger   *log.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// New builds a Server. info is what GET /agent/info advertises to peers.
func New(deps Deps, info types.AgentInfo, logger *log.Logger) *Server {
	return &Server{
		deps:   deps,
		info:   info,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+prefix+"/config", s.handleConfig)

	mux.HandleFunc("POST "+prefix+"/register", s.handleRegister)
	mux.HandleFunc("POST "+prefix+"/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET "+prefix+"/tools", s.handleTools)
	mux.HandleFunc("GET "+prefix+"/plugins", s.handlePlugins)
	mux.HandleFunc("POST "+prefix+"/tools/call", s.handleToolCall)
	mux.HandleFunc("POST "+prefix+"/event/push", s.handleEventPush)

	mux.HandleFunc("POST "+prefix+"/chat", s.handleChat)
	mux.HandleFunc("GET "+prefix+"/ws", s.handleWebSocket)

	mux.HandleFunc("POST "+prefix+"/acp/connect", s.handleACPConnect)
	mux.HandleFunc("POST "+prefix+"/acp/disconnect", s.handleACPDisconnect)
	mux.HandleFunc("GET "+prefix+"/acp/agents", s.handleACPAgents)
	mux.HandleFunc("GET "+acp.InfoPath, s.handleAgentInfo)

	mux.HandleFunc("POST "+prefix+"/memory", s.handleMemoryWrite)
	mux.HandleFunc("GET "+prefix+"/memory", s.handleMemorySearch)
	mux.HandleFunc("GET "+prefix+"/memory/stats", s.handleMemoryStats)
	mux.HandleFunc("POST "+prefix+"/memory/merge", s.handleMemoryMerge)
	mux.HandleFunc("GET "+prefix+"/memory/{id}", s.handleMemoryGet)
	mux.HandleFunc("PATCH "+prefix+"/memory/{id}", s.handleMemoryUpdate)
	mux.HandleFunc("DELETE "+prefix+"/memory/{id}", s.handleMemoryDelete)
	mux.HandleFunc("POST "+prefix+"/memory/{id}/restore", s.handleMemoryRestore)
	mux.HandleFunc("POST "+prefix+"/memory/{id}/archive", s.handleMemoryArchive)
	mux.HandleFunc("GET "+prefix+"/memory/{id}/audit", s.handleMemoryAudit)

	mux.HandleFunc("GET "+prefix+"/sessions", s.handleSessionList)
	mux.HandleFunc("GET "+prefix+"/sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/archive", s.handleSessionArchive)
	mux.HandleFunc("DELETE "+prefix+"/sessions/{id}", s.handleSessionClear)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/mono", s.handleSessionMono)

	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    s.info.Name,
		"version": s.info.Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rs := s.deps.Router.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"plugins":     len(s.deps.Registry.Plugins()),
		"subscribers": rs.Subscribers,
		"peers":       len(s.deps.Peers.List()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Redacted())
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}
