// Package catalog assigns model-visible names to tools from every owner.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xiy/agent-core/internal/schema"
	"github.com/xiy/agent-core/pkg/types"
)

// MaxNameLen is the longest tool name model providers accept.
const MaxNameLen = 64

// Entry is one tool as offered to the model.
type Entry struct {
	Name       string        `json:"catalog_name"`
	Tool       types.Tool    `json:"tool"`
	Builtin    bool          `json:"builtin"`
	Ref        types.ToolRef `json:"ref"`
	PluginName string        `json:"plugin_name,omitempty"`
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Catalog is an immutable name→tool mapping built from one registry snapshot.
type Catalog struct {
	byName map[string]Entry
	byRef  map[types.ToolRef]string
	names  []string
}

// Build names every tool. A tool keeps its plain name when no other owner
// declares the same name; otherwise plugin tools are qualified with their
// endpoint. Builtins always keep their plain names. Naming depends only on
// the inputs, so the same registry state yields the same names.
func Build(entries []types.ToolEntry, builtins []types.Tool) *Catalog {
	counts := map[string]int{}
	for _, b := range builtins {
		counts[sanitize(b.Name)]++
	}
	for _, e := range entries {
		counts[sanitize(e.Tool.Name)]++
	}

	c := &Catalog{byName: map[string]Entry{}, byRef: map[types.ToolRef]string{}}
	for _, b := range builtins {
		name := sanitize(b.Name)
		if _, taken := c.byName[name]; taken {
			continue
		}
		b.Parameters = schema.Normalize(b.Parameters)
		c.add(Entry{Name: name, Tool: b, Builtin: true, Ref: types.ToolRef{Tool: b.Name}})
	}

	var qualified []types.ToolEntry
	for _, e := range entries {
		name := sanitize(e.Tool.Name)
		if counts[name] == 1 {
			c.add(pluginEntry(name, e))
			continue
		}
		qualified = append(qualified, e)
	}
	for _, e := range qualified {
		base := qualify(sanitize(e.Tool.Name), e.Endpoint)
		c.add(pluginEntry(c.unique(base), e))
	}

	sort.Strings(c.names)
	return c
}

func pluginEntry(name string, e types.ToolEntry) Entry {
	e.Tool.Parameters = schema.Normalize(e.Tool.Parameters)
	return Entry{Name: name, Tool: e.Tool, Ref: e.Ref(), PluginName: e.PluginName}
}

func (c *Catalog) add(e Entry) {
	c.byName[e.Name] = e
	if !e.Builtin {
		c.byRef[e.Ref] = e.Name
	}
	c.names = append(c.names, e.Name)
}

func (c *Catalog) unique(base string) string {
	if _, taken := c.byName[base]; !taken {
		return base
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		cand := truncate(base, MaxNameLen-len(suffix)) + suffix
		if _, taken := c.byName[cand]; !taken {
			return cand
		}
	}
}

// Resolve maps a model-visible name back to its tool.
func (c *Catalog) Resolve(name string) (Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// NameOf returns the catalog name of a plugin tool.
func (c *Catalog) NameOf(ref types.ToolRef) (string, bool) {
	n, ok := c.byRef[ref]
	return n, ok
}

// Entries returns all entries in name order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.byName[n])
	}
	return out
}

// Definitions returns model tool definitions in name order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.names))
	for _, n := range c.names {
		e := c.byName[n]
		out = append(out, Definition{Name: n, Description: e.Tool.Description, Parameters: e.Tool.Parameters})
	}
	return out
}

// Len is the number of tools in the catalog.
func (c *Catalog) Len() int { return len(c.names) }

func qualify(tool, endpoint string) string {
	ep := sanitize(endpoint)
	room := MaxNameLen - len(ep) - 2
	if room < 1 {
		// Keep the endpoint tail; it carries the port.
		ep = ep[len(ep)-(MaxNameLen-3):]
		room = 1
	}
	return truncate(tool, room) + "__" + ep
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "tool"
	}
	return truncate(out, MaxNameLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
