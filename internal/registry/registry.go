// Package registry tracks remote plugins, their tools and their liveness.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/internal/schema"
	"github.com/xiy/agent-core/pkg/types"
)

// RegisterInput is a plugin's self-description.
type RegisterInput struct {
	Endpoint     string       `json:"endpoint"`
	Name         string       `json:"name"`
	Tools        []types.Tool `json:"tools"`
	Capabilities []string     `json:"capabilities"`
}

// Registry holds one immutable entry per endpoint. Re-registration swaps the
// whole entry, so readers never observe a partially updated tool list.
type Registry struct {
	clock   clock.Clock
	timeout time.Duration
	logger  *log.Logger

	mu      sync.RWMutex
	plugins map[string]*types.Plugin
}

// New creates an empty registry. A plugin whose last heartbeat is older than
// timeout is removed by Reap.
func New(clk clock.Clock, timeout time.Duration, logger *log.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		plugins: map[string]*types.Plugin{},
	}
}

// Timeout is the heartbeat window.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Register validates in and replaces any entry at the same endpoint.
func (r *Registry) Register(_ context.Context, in RegisterInput) (types.Plugin, error) {
	const op = "register plugin"
	endpoint := strings.TrimSpace(in.Endpoint)
	if endpoint == "" {
		return types.Plugin{}, apperr.Validation(op, "endpoint is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return types.Plugin{}, apperr.Validation(op, "name is required")
	}

	tools := make([]types.Tool, 0, len(in.Tools))
	seen := make(map[string]struct{}, len(in.Tools))
	for i, tool := range in.Tools {
		tool.Name = strings.TrimSpace(tool.Name)
		if tool.Name == "" {
			return types.Plugin{}, apperr.Validation(op, "tool %d has no name", i)
		}
		if _, dup := seen[tool.Name]; dup {
			return types.Plugin{}, apperr.Validation(op, "duplicate tool name %q", tool.Name)
		}
		seen[tool.Name] = struct{}{}
		if err := schema.Check(tool.Parameters); err != nil {
			return types.Plugin{}, apperr.Validation(op, "tool %q: %v", tool.Name, err)
		}
		tool.Parameters = schema.Normalize(tool.Parameters)
		tools = append(tools, tool)
	}

	now := r.clock.Now().UTC()
	entry := &types.Plugin{
		Endpoint:      endpoint,
		Name:          name,
		Tools:         tools,
		Capabilities:  normalizeCapabilities(in.Capabilities),
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        types.PluginAlive,
	}

	r.mu.Lock()
	_, replaced := r.plugins[endpoint]
	r.plugins[endpoint] = entry
	r.mu.Unlock()

	r.logger.Info("plugin registered", "endpoint", endpoint, "name", name, "tools", len(tools), "replaced", replaced)
	return clonePlugin(entry), nil
}

// Heartbeat refreshes the liveness of a registered endpoint. Unknown
// endpoints are not auto-registered.
func (r *Registry) Heartbeat(_ context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.plugins[endpoint]
	if !ok {
		return apperr.NotFound("heartbeat", "endpoint %q is not registered", endpoint)
	}
	next := *cur
	next.LastHeartbeat = r.clock.Now().UTC()
	r.plugins[endpoint] = &next
	return nil
}

// Get returns a snapshot of the plugin at endpoint.
func (r *Registry) Get(endpoint string) (types.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[endpoint]
	if !ok {
		return types.Plugin{}, false
	}
	return clonePlugin(p), true
}

// Plugins returns every live plugin ordered by endpoint.
func (r *Registry) Plugins() []types.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, clonePlugin(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// ListTools returns the tools of every live plugin, ordered by endpoint and
// then declaration order.
func (r *Registry) ListTools() []types.ToolEntry {
	plugins := r.Plugins()
	out := make([]types.ToolEntry, 0)
	for _, p := range plugins {
		for _, tool := range p.Tools {
			out = append(out, types.ToolEntry{Tool: tool, Endpoint: p.Endpoint, PluginName: p.Name})
		}
	}
	return out
}

// Lookup finds a tool by its catalog key.
func (r *Registry) Lookup(ref types.ToolRef) (types.ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[ref.Endpoint]
	if !ok {
		return types.ToolEntry{}, false
	}
	for _, tool := range p.Tools {
		if tool.Name == ref.Tool {
			return types.ToolEntry{Tool: tool, Endpoint: p.Endpoint, PluginName: p.Name}, true
		}
	}
	return types.ToolEntry{}, false
}

// Reap removes, in one critical section, every plugin whose last heartbeat is
// strictly older than the timeout, and returns them marked dead.
func (r *Registry) Reap(now time.Time) []types.Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []types.Plugin
	for endpoint, p := range r.plugins {
		if now.Sub(p.LastHeartbeat) > r.timeout {
			gone := clonePlugin(p)
			gone.Status = types.PluginDead
			dead = append(dead, gone)
			delete(r.plugins, endpoint)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].Endpoint < dead[j].Endpoint })
	return dead
}

func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func clonePlugin(p *types.Plugin) types.Plugin {
	out := *p
	out.Tools = append([]types.Tool(nil), p.Tools...)
	out.Capabilities = append([]string(nil), p.Capabilities...)
	return out
}
