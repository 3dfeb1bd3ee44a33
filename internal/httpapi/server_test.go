package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-core/internal/acp"
	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/dispatch"
	"github.com/xiy/agent-core/internal/llm"
	"github.com/xiy/agent-core/internal/memory"
	"github.com/xiy/agent-core/internal/orchestrator"
	"github.com/xiy/agent-core/internal/registry"
	"github.com/xiy/agent-core/internal/router"
	"github.com/xiy/agent-core/internal/session"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

type logSink struct {
	mu   sync.Mutex
	rows []store.RequestLog
}

func (s *logSink) InsertRequestLog(_ context.Context, rec store.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return nil
}

func (s *logSink) snapshot() []store.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.RequestLog(nil), s.rows...)
}

type apiHarness struct {
	url      string
	registry *registry.Registry
	sink     *logSink
	model    *llm.ScriptedModel
}

func newAPI(t *testing.T, steps ...llm.Step) *apiHarness {
	t.Helper()
	ctx := context.Background()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	cfg := config.Default()

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "memories.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(nil, cfg.HeartbeatTimeout(), logger)
	disp := dispatch.New(reg, nil, 2*time.Second, cfg.Dispatch.CallPath, logger)
	rt := router.New(cfg.Router.Buffer, nil, logger)
	mem := memory.NewService(st, cfg, nil, logger)
	sessions := session.NewStore(session.NewMemoryBackend(), cfg.Session, nil, logger)
	model := llm.NewScriptedModel(steps...)
	orch := orchestrator.New(orchestrator.Deps{
		Model:      model,
		Sessions:   sessions,
		Memories:   mem,
		Tools:      reg,
		Dispatcher: disp,
		Events:     rt,
	}, cfg, nil, logger)
	t.Cleanup(orch.Shutdown)

	sink := &logSink{}
	srv := New(Deps{
		Registry:     reg,
		Dispatcher:   disp,
		Router:       rt,
		Orchestrator: orch,
		Memory:       mem,
		Sessions:     sessions,
		Peers:        acp.New(nil, time.Second, nil, logger),
		RequestLog:   sink,
		Config:       cfg,
	}, types.AgentInfo{Name: "agent-core", Version: "test", Capabilities: []string{"chat"}}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{url: ts.URL, registry: reg, sink: sink, model: model}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	status, raw := h.doRaw(t, method, path, body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return status, out
}

func (h *apiHarness) doRaw(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.url+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (h *apiHarness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/api/v1/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.PushEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev types.PushEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func weatherTools() []map[string]any {
	return []map[string]any{{
		"name":        "get_weather",
		"description": "Current weather",
		"parameters": map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []string{"city"},
		},
	}}
}

func TestRegisterHeartbeatAndTools(t *testing.T) {
	h := newAPI(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"port":  9001,
		"name":  "weather",
		"tools": weatherTools(),
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	_, ok := h.registry.Get("127.0.0.1:9001")
	assert.True(t, ok, "bare port maps to a loopback endpoint")

	status, body = h.do(t, http.MethodPost, "/api/v1/heartbeat", map[string]any{"port": 9001})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = h.do(t, http.MethodPost, "/api/v1/heartbeat", map[string]any{"endpoint": "127.0.0.1:9999"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["status"])

	status, raw := h.doRaw(t, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, status)
	var tools []toolView
	require.NoError(t, json.Unmarshal(raw, &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].CatalogName)
	assert.Equal(t, "127.0.0.1:9001", tools[0].Endpoint)
	assert.Equal(t, "weather", tools[0].PluginName)
}

func TestErrorMapping(t *testing.T) {
	h := newAPI(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/register", map[string]any{"name": "nameless"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "validation_error", body["code"])

	status, body = h.do(t, http.MethodGet, "/api/v1/memory/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, _ = h.do(t, http.MethodPost, "/api/v1/acp/disconnect", map[string]any{"alias": "nobody"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestManualToolCall(t *testing.T) {
	h := newAPI(t)
	plugin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.CallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": "sunny in " + req.Arguments["city"].(string)})
	}))
	defer plugin.Close()
	endpoint := strings.TrimPrefix(plugin.URL, "http://")

	status, _ := h.do(t, http.MethodPost, "/api/v1/register", map[string]any{"endpoint": endpoint, "name": "weather", "tools": weatherTools()})
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(t, http.MethodPost, "/api/v1/tools/call", map[string]any{
		"tool_name": "get_weather",
		"arguments": map[string]any{"city": "Oslo"},
	})
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]any)
	assert.Equal(t, "sunny in Oslo", result["result"])

	status, body = h.do(t, http.MethodPost, "/api/v1/tools/call", map[string]any{"tool_name": "get_weather", "arguments": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, status, "missing required argument")
	assert.Equal(t, "validation_error", body["code"])

	status, _ = h.do(t, http.MethodPost, "/api/v1/tools/call", map[string]any{"tool_name": "nope"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMemoryDeleteRestoreOverHTTP(t *testing.T) {
	h := newAPI(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"content":    "User prefers dark mode",
		"importance": 4,
		"tags":       []string{"ui"},
	})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)

	status, _ = h.do(t, http.MethodPost, "/api/v1/memory", map[string]any{"content": "bad", "importance": 9})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodDelete, "/api/v1/memory/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodGet, "/api/v1/memory/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = h.do(t, http.MethodPost, "/api/v1/memory/"+id+"/restore", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["deleted"])

	status, raw := h.doRaw(t, http.MethodGet, "/api/v1/memory/"+id+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	var audit []types.AuditLogEntry
	require.NoError(t, json.Unmarshal(raw, &audit))
	require.Len(t, audit, 3)
	assert.Equal(t, types.OpRestore, audit[0].Operation)
	assert.Equal(t, types.OpWrite, audit[2].Operation)
	assert.Equal(t, types.OperatorAPI, audit[0].Operator)

	status, raw = h.doRaw(t, http.MethodGet, "/api/v1/memory?q=dark&tags=ui", nil)
	require.Equal(t, http.StatusOK, status)
	var found []types.MemoryRecord
	require.NoError(t, json.Unmarshal(raw, &found))
	require.Len(t, found, 1)

	status, body = h.do(t, http.MethodGet, "/api/v1/memory/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
}

func TestChatStreamsOverWebSocket(t *testing.T) {
	h := newAPI(t, llm.Step{Text: "Hello friend"})
	conn := h.dial(t, "s1")

	status, body := h.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"text": "hi", "session_id": "s1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "s1", body["session_id"])

	var names []string
	for {
		ev := readEvent(t, conn)
		assert.Equal(t, "s1", ev.SessionID)
		names = append(names, ev.Event)
		if ev.Event == types.EventResponseDone {
			assert.Equal(t, types.StatusCompleted, ev.Data["status"])
			break
		}
	}
	assert.Equal(t, types.EventThinking, names[0])
	assert.Contains(t, names, types.EventTextChunk)

	status, raw := h.doRaw(t, http.MethodGet, "/api/v1/sessions/s1/messages?n=10", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []types.Message
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello friend", msgs[1].Content)

	status, _ = h.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEventPushReachesSessionChannel(t *testing.T) {
	h := newAPI(t)
	conn := h.dial(t, "s2")

	status, body := h.do(t, http.MethodPost, "/api/v1/event/push", map[string]any{
		"from_port":  9002,
		"event_type": "new_danmaku",
		"session_id": "s2",
		"data":       map[string]any{"title": "Fan says hi", "body": "hello!"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "received", body["status"])
	assert.EqualValues(t, 1, body["delivered"])

	ev := readEvent(t, conn)
	assert.Equal(t, types.EventExternal, ev.Event)
	assert.Equal(t, "new_danmaku", ev.Data["type"])
	assert.Equal(t, "Fan says hi", ev.Data["title"])
	assert.Equal(t, "127.0.0.1:9002", ev.Data["source"])

	status, _ = h.do(t, http.MethodPost, "/api/v1/event/push", map[string]any{"from_port": 9002})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestACPConnectToPeerAgent(t *testing.T) {
	peer := newAPI(t)
	h := newAPI(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/acp/connect", map[string]any{
		"target_endpoint": strings.TrimPrefix(peer.url, "http://"),
		"alias":           "buddy",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "connected", body["status"])
	info := body["agent_info"].(map[string]any)
	assert.Equal(t, "agent-core", info["name"])

	status, _ = h.do(t, http.MethodPost, "/api/v1/acp/connect", map[string]any{
		"target_endpoint": strings.TrimPrefix(peer.url, "http://"),
		"alias":           "buddy",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, raw := h.doRaw(t, http.MethodGet, "/api/v1/acp/agents", nil)
	require.Equal(t, http.StatusOK, status)
	var conns []types.AgentConnection
	require.NoError(t, json.Unmarshal(raw, &conns))
	assert.Len(t, conns, 1)
}

func TestACPAgents_RefreshDropsUnreachablePeer(t *testing.T) {
	h := newAPI(t)
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.AgentInfo{Name: "gone"})
	}))

	status, _ := h.do(t, http.MethodPost, "/api/v1/acp/connect", map[string]any{
		"target_endpoint": gone.URL,
		"alias":           "gone",
	})
	require.Equal(t, http.StatusOK, status)
	gone.Close()

	var conns []types.AgentConnection
	_, raw := h.doRaw(t, http.MethodGet, "/api/v1/acp/agents", nil)
	require.NoError(t, json.Unmarshal(raw, &conns))
	assert.Len(t, conns, 1)

	status, raw = h.doRaw(t, http.MethodGet, "/api/v1/acp/agents?refresh=true", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &conns))
	assert.Empty(t, conns)
}

func TestConfigEndpoint_IsReadOnlyAndNamesKeyEnvOnly(t *testing.T) {
	h := newAPI(t)

	status, body := h.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "agent-core", body["server_name"])
	llmCfg := body["llm"].(map[string]any)
	assert.Equal(t, "OPENAI_API_KEY", llmCfg["api_key_env"])
	session := body["session"].(map[string]any)
	assert.EqualValues(t, 40, session["max_messages"])

	status, _ = h.do(t, http.MethodPut, "/api/v1/config", map[string]any{"listen_addr": ":0"})
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestRequestsAreLogged(t *testing.T) {
	h := newAPI(t)

	h.do(t, http.MethodGet, "/health", nil)
	h.do(t, http.MethodGet, "/api/v1/memory/missing", nil)

	rows := h.sink.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, "/health", rows[0].Path)
	assert.Equal(t, http.StatusOK, rows[0].Status)
	assert.Equal(t, http.StatusNotFound, rows[1].Status)
	assert.NotEmpty(t, rows[1].ErrorText)
}
