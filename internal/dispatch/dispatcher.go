// Package dispatch sends tool calls to the plugin that owns the tool.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/schema"
	"github.com/xiy/agent-core/pkg/types"
)

const maxResponseBytes = 4 << 20

// Lookup resolves a catalog key against the live registry.
type Lookup interface {
	Lookup(ref types.ToolRef) (types.ToolEntry, bool)
}

// CallRequest is the body POSTed to a plugin.
type CallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// Dispatcher calls plugin tools over HTTP with a bounded timeout.
type Dispatcher struct {
	lookup   Lookup
	client   *http.Client
	timeout  time.Duration
	callPath string
	logger   *log.Logger
}

// New builds a Dispatcher. A nil client uses http.DefaultClient.
func New(lookup Lookup, client *http.Client, timeout time.Duration, callPath string, logger *log.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if callPath == "" {
		callPath = "/tools/call"
	}
	return &Dispatcher{lookup: lookup, client: client, timeout: timeout, callPath: callPath, logger: logger}
}

// Dispatch invokes ref with args. A tool whose plugin has been reaped fails
// with NotFound before any network I/O.
func (d *Dispatcher) Dispatch(ctx context.Context, ref types.ToolRef, args json.RawMessage) (json.RawMessage, error) {
	const op = "dispatch tool"
	entry, ok := d.lookup.Lookup(ref)
	if !ok {
		return nil, apperr.NotFound(op, "tool %s on %s no longer available", ref.Tool, ref.Endpoint)
	}

	params, err := DecodeArguments(args)
	if err != nil {
		return nil, apperr.Validation(op, "%s: %v", ref.Tool, err)
	}
	if err := schema.Validate(params, entry.Tool.Parameters); err != nil {
		return nil, apperr.Validation(op, "%s: %v", ref.Tool, err)
	}

	body, err := json.Marshal(CallRequest{ToolName: ref.Tool, Arguments: params})
	if err != nil {
		return nil, apperr.Validation(op, "encode arguments: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := endpointURL(ref.Endpoint) + d.callPath
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDispatchTransport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, d.classify(callCtx, op, ref, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, d.classify(callCtx, op, ref, err)
	}
	d.logger.Debug("tool dispatched", "tool", ref.Tool, "endpoint", ref.Endpoint, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.New(apperr.KindDispatchTransport, op, "%s on %s returned HTTP %d", ref.Tool, ref.Endpoint, resp.StatusCode)
	}
	if msg, failed := pluginError(raw); failed {
		return nil, apperr.New(apperr.KindDispatchTransport, op, "%s on %s failed: %s", ref.Tool, ref.Endpoint, msg)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte(`{}`)
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		raw = quoted
	}
	return raw, nil
}

func (d *Dispatcher) classify(callCtx context.Context, op string, ref types.ToolRef, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		d.logger.Warn("tool call timed out", "tool", ref.Tool, "endpoint", ref.Endpoint, "timeout", d.timeout)
		return apperr.New(apperr.KindDispatchTimeout, op, "%s on %s timed out after %s", ref.Tool, ref.Endpoint, d.timeout)
	}
	d.logger.Warn("tool call failed", "tool", ref.Tool, "endpoint", ref.Endpoint, "error", err)
	return apperr.Wrap(apperr.KindDispatchTransport, op, fmt.Errorf("%s on %s: %w", ref.Tool, ref.Endpoint, err))
}

// DecodeArguments parses model-supplied arguments. Empty input is an empty
// object.
func DecodeArguments(args json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(args)) == 0 || string(bytes.TrimSpace(args)) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(args, &out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func pluginError(raw []byte) (string, bool) {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", false
	}
	if body.Status != "error" {
		return "", false
	}
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = "plugin reported an error"
	}
	return msg, true
}

func endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return "http://" + endpoint
}
