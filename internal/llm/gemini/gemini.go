// Package gemini adapts the Google GenAI GenerateContent API to llm.Model.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/xiy/agent-core/internal/llm"
	"github.com/xiy/agent-core/pkg/types"
)

// Options configure the adapter.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int32
	APIKey          string
}

// Model wraps the GenAI client. Like the Anthropic adapter it answers in one
// final chunk.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a model backed by the Gemini API.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Model{client: client, opts: opts}, nil
}

func defaultOptions() Options {
	return Options{
		Model:           "gemini-2.0-flash",
		Temperature:     0.7,
		MaxOutputTokens: 2048,
	}
}

func (m *Model) Generate(ctx context.Context, req llm.Request) (<-chan llm.Response, <-chan error) {
	out := make(chan llm.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, buildContents(req.Messages), m.buildConfig(req))
		if err != nil {
			errCh <- fmt.Errorf("gemini api error: %w", err)
			return
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			errCh <- fmt.Errorf("gemini returned no candidates")
			return
		}

		cand := resp.Candidates[0]
		var (
			text  strings.Builder
			calls []types.ToolCall
		)
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				if len(args) == 0 || string(args) == "null" {
					args = []byte(`{}`)
				}
				calls = append(calls, types.ToolCall{ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Arguments: args})
				continue
			}
			text.WriteString(part.Text)
		}

		finish := "stop"
		if len(calls) > 0 {
			finish = "tool_calls"
		} else if cand.FinishReason != "" {
			finish = strings.ToLower(string(cand.FinishReason))
		}
		out <- llm.Response{Text: text.String(), ToolCalls: calls, FinishReason: finish}
	}()

	return out, errCh
}

func (m *Model) buildConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(m.opts.Temperature)),
		MaxOutputTokens: m.opts.MaxOutputTokens,
	}
	if system := systemText(req); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: def.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func systemText(req llm.Request) string {
	parts := make([]string, 0, 2)
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, msg := range req.Messages {
		if msg.Role == types.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildContents maps the conversation onto user/model turns. Function
// responses need the function name, which is recovered from the call id.
func buildContents(msgs []llm.Message) []*genai.Content {
	var (
		out     []*genai.Content
		results []*genai.Part
	)
	names := map[string]string{}
	flush := func() {
		if len(results) > 0 {
			out = append(out, &genai.Content{Role: string(genai.RoleUser), Parts: results})
			results = nil
		}
	}
	for _, msg := range msgs {
		switch msg.Role {
		case types.RoleSystem:
			continue
		case types.RoleTool:
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil || payload == nil {
				payload = map[string]any{"output": msg.Content}
			}
			results = append(results, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     names[msg.ToolCallID],
				Response: payload,
			}})
		case types.RoleAssistant:
			flush()
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil || args == nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: string(genai.RoleModel), Parts: parts})
			}
		default:
			flush()
			if msg.Content != "" {
				out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
			}
		}
	}
	flush()
	return out
}

func (m *Model) Info() llm.Info {
	return llm.Info{Name: m.opts.Model, Provider: "gemini", SupportsTools: true}
}
