package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiy/agent-core/internal/orchestrator"
	"github.com/xiy/agent-core/internal/router"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	acc, err := s.deps.Orchestrator.Chat(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// handleWebSocket attaches a push channel to the router. One writer
// goroutine drains the subscription; the read loop only watches for the
// client going away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	// Subscribe first so no event emitted right after the handshake is missed.
	sub := s.deps.Router.Subscribe(sessionID)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Router.Unsubscribe(sub)
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.logger.Info("push channel opened", "session", sessionID, "subscription", sub.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, sub)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.deps.Router.Unsubscribe(sub)
	<-writerDone
	_ = conn.Close()
	s.logger.Info("push channel closed", "session", sessionID, "subscription", sub.ID, "dropped", sub.Dropped())
}

func (s *Server) writePump(conn *websocket.Conn, sub *router.Subscription) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-sub.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.deps.Router.Unsubscribe(sub)
				_ = conn.Close()
				return
			}
		case <-sub.Ready():
			for _, ev := range sub.Drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					s.logger.Debug("push write failed", "subscription", sub.ID, "error", err)
					s.deps.Router.Unsubscribe(sub)
					_ = conn.Close()
					return
				}
			}
		}
	}
}
