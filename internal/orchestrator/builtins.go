package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/dispatch"
	"github.com/xiy/agent-core/internal/schema"
	"github.com/xiy/agent-core/pkg/types"
)

const (
	toolWriteMemory    = "write_long_term_memory"
	toolSearchMemories = "search_memories"
	toolMono           = "mono"
)

// builtinTools are served in-process and always keep their plain names.
func builtinTools() []types.Tool {
	return []types.Tool{
		{
			Name:        toolWriteMemory,
			Description: "Save an important fact about the user or conversation to long-term memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":    map[string]any{"type": "string", "description": "What to remember."},
					"importance": map[string]any{"type": "integer", "description": "1 (trivial) to 5 (critical). Defaults to 3."},
					"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"content"},
			},
		},
		{
			Name:        toolSearchMemories,
			Description: "Search stored memories relevant to the current topic.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"tier":  map[string]any{"type": "string", "description": "permanent, long_term or short_term; empty for all."},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        toolMono,
			Description: "Keep a piece of information in context for the next few minutes of this conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":     map[string]any{"type": "string"},
					"ttl_seconds": map[string]any{"type": "integer"},
				},
				"required": []any{"content"},
			},
		},
	}
}

func builtinSchema(name string) map[string]any {
	for _, t := range builtinTools() {
		if t.Name == name {
			return t.Parameters
		}
	}
	return nil
}

func (o *Orchestrator) runBuiltin(ctx context.Context, sid, name string, raw json.RawMessage) (string, error) {
	op := "builtin " + name
	args, err := dispatch.DecodeArguments(raw)
	if err != nil {
		return "", apperr.Validation(op, "%v", err)
	}
	if err := schema.Validate(args, builtinSchema(name)); err != nil {
		return "", apperr.Validation(op, "%v", err)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch name {
	case toolWriteMemory:
		var in struct {
			Content    string   `json:"content"`
			Importance *int     `json:"importance"`
			Tags       []string `json:"tags"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return "", apperr.Validation(op, "%v", err)
		}
		rec, err := o.deps.Memories.Write(ctx, types.WriteInput{
			Tier:       types.TierLongTerm,
			Content:    in.Content,
			Importance: in.Importance,
			Tags:       in.Tags,
			Metadata:   map[string]any{"session_id": sid},
			Operator:   types.OperatorPrimary,
		})
		if err != nil {
			return "", err
		}
		return okResult(map[string]any{"id": rec.ID, "importance": rec.Importance})

	case toolSearchMemories:
		var in struct {
			Query string     `json:"query"`
			Tier  types.Tier `json:"tier"`
			Limit int        `json:"limit"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return "", apperr.Validation(op, "%v", err)
		}
		recs, err := o.deps.Memories.Search(ctx, types.SearchFilter{Query: in.Query, Tier: in.Tier, Limit: in.Limit})
		if err != nil {
			return "", err
		}
		results := make([]map[string]any, 0, len(recs))
		for _, r := range recs {
			results = append(results, map[string]any{
				"id":         r.ID,
				"content":    r.Content,
				"tier":       r.Tier,
				"importance": r.Importance,
				"tags":       r.Tags,
			})
		}
		return okResult(map[string]any{"results": results})

	case toolMono:
		var in struct {
			Content    string `json:"content"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return "", apperr.Validation(op, "%v", err)
		}
		ttl := o.monoTTL
		if in.TTLSeconds > 0 {
			ttl = time.Duration(in.TTLSeconds) * time.Second
		}
		item, err := o.deps.Sessions.AddMono(ctx, sid, in.Content, ttl)
		if err != nil {
			return "", err
		}
		return okResult(map[string]any{"expires_at": item.ExpiresAt})
	}
	return "", apperr.NotFound(op, "no builtin named %q", name)
}

func okResult(fields map[string]any) (string, error) {
	fields["status"] = "ok"
	body, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(body), nil
}
