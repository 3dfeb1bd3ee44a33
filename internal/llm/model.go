// Package llm defines the provider-neutral model interface used by the
// orchestrator. Adapters live in subpackages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiy/agent-core/pkg/types"
)

// Message is one entry of the model conversation.
type Message struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []types.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// ToolDefinition exposes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized model input.
type Request struct {
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// Response is a partial or final chunk. Partial chunks carry a text delta; the
// final chunk carries the full text and any tool calls.
type Response struct {
	Partial      bool             `json:"partial"`
	Text         string           `json:"text"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model drives generation. Both channels are closed when generation ends; at
// most one error is sent.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)
	Info() Info
}

// ErrNoModel is returned by Unavailable.
var ErrNoModel = errors.New("no language model configured")

// Unavailable is the Model used when no provider is configured.
type Unavailable struct{}

func (Unavailable) Generate(_ context.Context, _ Request) (<-chan Response, <-chan error) {
	out := make(chan Response)
	errCh := make(chan error, 1)
	errCh <- ErrNoModel
	close(out)
	close(errCh)
	return out, errCh
}

func (Unavailable) Info() Info { return Info{Name: "none", Provider: "none"} }

// Step is one scripted model turn: either a text reply, tool calls, or an
// error.
type Step struct {
	Text      string
	ToolCalls []types.ToolCall
	Err       error
}

// ScriptedModel replays Steps in order. It records every request, which makes
// it suitable for tests and offline demos.
type ScriptedModel struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScriptedModel returns a model that plays steps in order.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// Requests returns the requests seen so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var (
		step Step
		ok   bool
	)
	if len(m.steps) > 0 {
		step, m.steps, ok = m.steps[0], m.steps[1:], true
	}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		if !ok {
			errCh <- fmt.Errorf("scripted model exhausted after %d requests", len(m.Requests()))
			return
		}
		if step.Err != nil {
			errCh <- step.Err
			return
		}
		if req.Stream {
			for _, word := range splitWords(step.Text) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Response{Partial: true, Text: word}:
				}
			}
		}
		finish := "stop"
		if len(step.ToolCalls) > 0 {
			finish = "tool_calls"
		}
		out <- Response{Text: step.Text, ToolCalls: step.ToolCalls, FinishReason: finish}
	}()
	return out, errCh
}

func (m *ScriptedModel) Info() Info {
	return Info{Name: "scripted", Provider: "local", SupportsTools: true}
}

// splitWords cuts s into chunks that concatenate back to s.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' && i > start {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Collect drains a Generate call. onDelta is called for each partial text
// chunk. It returns the final response.
func Collect(ctx context.Context, m Model, req Request, onDelta func(string)) (Response, error) {
	out, errCh := m.Generate(ctx, req)
	var final Response
	gotFinal := false
	for resp := range out {
		if resp.Partial {
			if resp.Text != "" && onDelta != nil {
				onDelta(resp.Text)
			}
			continue
		}
		final = resp
		gotFinal = true
	}
	if err := <-errCh; err != nil {
		return Response{}, err
	}
	if !gotFinal {
		return Response{}, errors.New("model ended without a final response")
	}
	return final, nil
}
