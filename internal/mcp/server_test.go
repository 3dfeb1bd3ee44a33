package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/memory"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

type captureSink struct {
	rows []store.RequestLog
}

func (c *captureSink) InsertRequestLog(_ context.Context, rec store.RequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

func discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newService(t *testing.T) *memory.Service {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "memories.db"), discard())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return memory.NewService(st, config.Default(), nil, discard())
}

func callLine(id int, tool string, args any) string {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})
	return string(b) + "\n"
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := NewServer(newService(t), discard(), nil, "agent-core", "test")

	id := json.RawMessage(`1`)
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/list",
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) != 10 {
		t.Fatalf("expected 10 maintenance tools, got %d", len(tools))
	}
}

func TestReadWriteFramedMessage(t *testing.T) {
	t.Parallel()
	resp := response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}
	var payloadBuf bytes.Buffer
	bw := bufio.NewWriter(&payloadBuf)
	if err := writeFramedMessage(bw, resp); err != nil {
		t.Fatalf("writeFramedMessage() error = %v", err)
	}
	br := bufio.NewReader(bytes.NewReader(payloadBuf.Bytes()))
	payload, err := readFramedMessage(br)
	if err != nil {
		t.Fatalf("readFramedMessage() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	raw := []byte("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	br := bufio.NewReader(bytes.NewReader(raw))

	payload, mode, err := readMessage(br)
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv := NewServer(newService(t), discard(), nil, "agent-core", "1.0.0")

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if len(line) == 0 {
		t.Fatal("expected JSON-line response, got empty output")
	}
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			ServerInfo map[string]string `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.JSONRPC != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", resp.JSONRPC)
	}
	if resp.Result.ServerInfo["name"] != "agent-core" {
		t.Fatalf("unexpected server info %v", resp.Result.ServerInfo)
	}
	if snap := srv.Snapshot(); snap["requests"] != uint64(1) || snap["errors"] != uint64(0) {
		t.Fatalf("expected one request and no errors, got %v", snap)
	}
}

func TestServe_MaintenanceMutationsAreAudited(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	srv := NewServer(svc, discard(), nil, "agent-core", "test")
	ctx := context.Background()

	rec, err := svc.Write(ctx, types.WriteInput{Content: "Deploys happen on Fridays", Tier: types.TierShortTerm, Operator: types.OperatorPrimary})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var in strings.Builder
	in.WriteString(callLine(1, "memory_update", map[string]any{"id": rec.ID, "importance": 5}))
	in.WriteString(callLine(2, "memory_archive", map[string]any{"id": rec.ID}))
	in.WriteString(callLine(3, "memory_delete", map[string]any{"id": rec.ID}))
	in.WriteString(callLine(4, "memory_restore", map[string]any{"id": rec.ID}))
	var out bytes.Buffer
	if err := srv.Serve(ctx, strings.NewReader(in.String()), &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	for i, line := range bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")) {
		var resp struct {
			Result struct {
				IsError bool `json:"isError"`
			} `json:"result"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if resp.Result.IsError {
			t.Fatalf("response %d is an error: %s", i, line)
		}
	}

	got, err := svc.Get(ctx, rec.ID, false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Tier != types.TierLongTerm || got.Importance != 5 {
		t.Fatalf("unexpected record after maintenance: tier=%s importance=%d", got.Tier, got.Importance)
	}

	entries, err := svc.AuditLog(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("AuditLog() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(entries))
	}
	for _, e := range entries[:4] {
		if e.Operator != types.OperatorMaintenance {
			t.Fatalf("entry %s has operator %s, want maintenance", e.Operation, e.Operator)
		}
	}
	if entries[4].Operator != types.OperatorPrimary {
		t.Fatalf("original write should stay attributed to primary, got %s", entries[4].Operator)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv := NewServer(newService(t), discard(), sink, "agent-core", "test")

	in := bytes.NewBufferString(callLine(1, "memory_restore", map[string]any{"id": "missing"}))
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 request log row, got %d", len(sink.rows))
	}
	got := sink.rows[0]
	if got.Method != "MCP" {
		t.Fatalf("expected method MCP, got %q", got.Method)
	}
	if got.Path != "mcp/tools/call/memory_restore" {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if got.Status != 404 {
		t.Fatalf("expected status 404 for an unknown record, got %d", got.Status)
	}
	if got.ErrorText == "" {
		t.Fatalf("expected non-empty error text")
	}
}

func TestServe_UnknownToolIsToolError(t *testing.T) {
	t.Parallel()
	srv := NewServer(newService(t), discard(), nil, "agent-core", "test")

	resp, _ := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  json.RawMessage(fmt.Sprintf(`{"name":%q}`, "memory_teleport")),
	})
	result, ok := resp.Result.(map[string]any)
	if !ok || result["isError"] != true {
		t.Fatalf("expected isError result, got %+v", resp)
	}
	if snap := srv.Snapshot(); snap["errors"] != uint64(1) {
		t.Fatalf("expected one counted error, got %v", snap["errors"])
	}
}

func TestMemorySearch_TagsMatchAny(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newService(t)
	srv := NewServer(svc, discard(), nil, "agent-core", "test")

	for _, tag := range []string{"drink", "food"} {
		if _, err := svc.Write(ctx, types.WriteInput{Content: "likes " + tag, Tags: []string{tag}}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	result, err := srv.handleToolCall(ctx, json.RawMessage(`{"name":"memory_search","arguments":{"tags":["drink","music"]}}`))
	if err != nil {
		t.Fatalf("handleToolCall() error = %v", err)
	}
	items := result["structuredContent"].(map[string]any)["results"].([]types.MemoryRecord)
	if len(items) != 1 || items[0].Content != "likes drink" {
		t.Fatalf("expected the drink memory only, got %+v", items)
	}

	for _, def := range toolDefinitions() {
		if def.Name != "memory_search" {
			continue
		}
		props := def.InputSchema["properties"].(map[string]any)
		desc := props["tags"].(map[string]any)["description"].(string)
		if !strings.Contains(desc, "any") {
			t.Fatalf("tags description should describe any-of matching, got %q", desc)
		}
	}
}
