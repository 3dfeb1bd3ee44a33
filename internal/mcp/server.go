// Package mcp serves the memory maintenance tools over MCP stdio.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

const jsonRPCVersion = "2.0"

// Memory is the memory manager surface exposed to the maintenance model.
type Memory interface {
	Write(ctx context.Context, in types.WriteInput) (types.MemoryRecord, error)
	Get(ctx context.Context, id string, includeDeleted bool) (types.MemoryRecord, error)
	Search(ctx context.Context, f types.SearchFilter) ([]types.MemoryRecord, error)
	Update(ctx context.Context, in types.UpdateInput) (types.MemoryRecord, error)
	Delete(ctx context.Context, id string, operator types.Operator) error
	Restore(ctx context.Context, id string, operator types.Operator) (types.MemoryRecord, error)
	Archive(ctx context.Context, id string, operator types.Operator) (types.MemoryRecord, error)
	Merge(ctx context.Context, in types.MergeInput) (types.MemoryRecord, error)
	Statistics(ctx context.Context) (types.MemoryStats, error)
	AuditLog(ctx context.Context, memoryID string, limit int) ([]types.AuditLogEntry, error)
}

// Server handles MCP JSON-RPC messages over stdio. Every mutation it makes
// is audited with operator maintenance.
type Server struct {
	svc     Memory
	logger  *log.Logger
	sink    RequestLogSink
	name    string
	version string

	requests uint64
	errors   uint64
}

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertRequestLog(ctx context.Context, rec store.RequestLog) error
}

// NewServer creates an MCP server.
func NewServer(svc Memory, logger *log.Logger, sink RequestLogSink, name, version string) *Server {
	return &Server{svc: svc, logger: logger, sink: sink, name: name, version: version}
}

// Serve starts MCP handling over the provided streams.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, mode, err := readMessage(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			s.recordRequest(ctx, request{Method: "parse_error"}, response{
				Error: &rpcError{
					Code:    -32700,
					Message: "parse error",
					Data:    err.Error(),
				},
			}, 0)
			resp := errorResponse(nil, -32700, "parse error", err.Error())
			if werr := writeFramedMessage(bw, resp); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, shouldRespond := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !shouldRespond {
			continue
		}
		if err := writeMessage(bw, resp, mode); err != nil {
			return err
		}
	}
}

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	atomic.AddUint64(&s.requests, 1)

	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	if req.Method == "notifications/initialized" {
		return response{}, false
	}

	switch req.Method {
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := p.ProtocolVersion
		if strings.TrimSpace(pv) == "" {
			pv = "2024-11-05"
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{
			"protocolVersion": pv,
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			"serverInfo": map[string]any{
				"name":    s.name,
				"version": s.version,
			},
		}}, hasID
	case "ping":
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{}}, hasID
	case "tools/list":
		defs := toolDefinitions()
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{"tools": defs}}, hasID
	case "tools/call":
		res, err := s.handleToolCall(ctx, req.Params)
		if err != nil {
			atomic.AddUint64(&s.errors, 1)
			s.logger.Debug("maintenance tool failed", "error", err)
			return response{JSONRPC: jsonRPCVersion, ID: id, Result: map[string]any{
				"content": []map[string]any{{"type": "text", "text": err.Error()}},
				"isError": true,
				"code":    string(apperr.KindOf(err)),
			}}, hasID
		}
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: res}, hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, -32601, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, duration time.Duration) {
	if s.sink == nil {
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = "unknown"
	}
	path := "mcp/" + method
	if tool := toolNameFromParams(req.Method, req.Params); tool != "" {
		path += "/" + tool
	}
	status := 200
	if !responseSuccessful(resp) {
		status = 500
		if resp.Error != nil {
			status = 400
		} else if result, ok := resp.Result.(map[string]any); ok {
			if code, ok := result["code"].(string); ok && code != "" {
				status = apperr.HTTPStatus(apperr.Kind(code))
			}
		}
	}
	rec := store.RequestLog{
		Method:     "MCP",
		Path:       path,
		Status:     status,
		ErrorText:  responseErrorText(resp),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.sink.InsertRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

func toolNameFromParams(method string, params json.RawMessage) string {
	if method != "tools/call" || len(params) == 0 {
		return ""
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Name)
}

func responseSuccessful(resp response) bool {
	if resp.Error != nil {
		return false
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return true
	}
	isError, ok := result["isError"].(bool)
	if !ok {
		return true
	}
	return !isError
}

func responseErrorText(resp response) string {
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return ""
	}
	isError, ok := result["isError"].(bool)
	if !ok || !isError {
		return ""
	}
	content, ok := result["content"].([]map[string]any)
	if !ok || len(content) == 0 {
		return "tool call failed"
	}
	text, _ := content[0]["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return "tool call failed"
	}
	return text
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.Validation("tools/call", "invalid params: %v", err)
	}
	if len(bytes.TrimSpace(p.Arguments)) == 0 {
		p.Arguments = json.RawMessage(`{}`)
	}
	decode := func(dst any) error {
		if err := json.Unmarshal(p.Arguments, dst); err != nil {
			return apperr.Validation(p.Name, "invalid arguments: %v", err)
		}
		return nil
	}
	const op = types.OperatorMaintenance

	switch p.Name {
	case "memory_write":
		var in types.WriteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		in.Operator = op
		rec, err := s.svc.Write(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_search":
		var in types.SearchFilter
		if err := decode(&in); err != nil {
			return nil, err
		}
		items, err := s.svc.Search(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"results": items})
	case "memory_get":
		var in idArgs
		if err := decode(&in); err != nil {
			return nil, err
		}
		rec, err := s.svc.Get(ctx, in.ID, in.IncludeDeleted)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_update":
		var in types.UpdateInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		in.Operator = op
		rec, err := s.svc.Update(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_delete":
		var in idArgs
		if err := decode(&in); err != nil {
			return nil, err
		}
		if err := s.svc.Delete(ctx, in.ID, op); err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"id": in.ID, "deleted": true})
	case "memory_restore":
		var in idArgs
		if err := decode(&in); err != nil {
			return nil, err
		}
		rec, err := s.svc.Restore(ctx, in.ID, op)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_archive":
		var in idArgs
		if err := decode(&in); err != nil {
			return nil, err
		}
		rec, err := s.svc.Archive(ctx, in.ID, op)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_merge":
		var in types.MergeInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		in.Operator = op
		rec, err := s.svc.Merge(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolSuccess(rec)
	case "memory_stats":
		stats, err := s.svc.Statistics(ctx)
		if err != nil {
			return nil, err
		}
		return toolSuccess(stats)
	case "memory_audit":
		var in struct {
			MemoryID string `json:"memory_id"`
			Limit    int    `json:"limit"`
		}
		if err := decode(&in); err != nil {
			return nil, err
		}
		entries, err := s.svc.AuditLog(ctx, in.MemoryID, in.Limit)
		if err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"entries": entries})
	default:
		return nil, apperr.NotFound("tools/call", "unknown tool %q", p.Name)
	}
}

type idArgs struct {
	ID             string `json:"id"`
	IncludeDeleted bool   `json:"include_deleted"`
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func errorResponse(id interface{}, code int, msg string, data interface{}) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: &rpcError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
	}
}

func decodeID(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func writeFramedMessage(w *bufio.Writer, msg response) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeMessage(w *bufio.Writer, msg response, mode wireMode) error {
	if mode == wireModeJSONLine {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		return w.Flush()
	}
	return writeFramedMessage(w, msg)
}

func readMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	mode, err := detectWireMode(r)
	if err != nil {
		return nil, wireModeFramed, err
	}
	if mode == wireModeJSONLine {
		return readJSONLineMessage(r)
	}
	payload, err := readFramedMessage(r)
	return payload, wireModeFramed, err
}

func detectWireMode(r *bufio.Reader) (wireMode, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		_, _ = r.ReadByte()
	}

	peek, err := r.Peek(16)
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
		return wireModeFramed, err
	}
	peekLower := strings.ToLower(string(peek))
	if strings.HasPrefix(peekLower, "content-length:") {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func readJSONLineMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wireModeJSONLine, err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, wireModeJSONLine, io.EOF
		}
		return readJSONLineMessage(r)
	}
	return line, wireModeJSONLine, nil
}

func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("missing or invalid Content-Length")
	}

	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Snapshot returns the request and error counters.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": atomic.LoadUint64(&s.requests),
		"errors":   atomic.LoadUint64(&s.errors),
		"ts":       time.Now().UTC(),
	}
}
