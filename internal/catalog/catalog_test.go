package catalog

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-core/pkg/types"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func entry(endpoint, plugin, tool string) types.ToolEntry {
	return types.ToolEntry{Tool: types.Tool{Name: tool, Description: tool}, Endpoint: endpoint, PluginName: plugin}
}

func TestBuild_DuplicateToolNamesStayDistinct(t *testing.T) {
	entries := []types.ToolEntry{
		entry("127.0.0.1:9001", "books", "lookup"),
		entry("127.0.0.1:9002", "movies", "lookup"),
		entry("127.0.0.1:9002", "movies", "get_weather"),
	}
	c := Build(entries, nil)
	require.Equal(t, 3, c.Len())

	n1, ok := c.NameOf(types.ToolRef{Endpoint: "127.0.0.1:9001", Tool: "lookup"})
	require.True(t, ok)
	n2, ok := c.NameOf(types.ToolRef{Endpoint: "127.0.0.1:9002", Tool: "lookup"})
	require.True(t, ok)
	assert.NotEqual(t, n1, n2)
	assert.Equal(t, "lookup__127_0_0_1_9001", n1)

	e1, ok := c.Resolve(n1)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9001", e1.Ref.Endpoint)
	e2, ok := c.Resolve(n2)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9002", e2.Ref.Endpoint)

	weather, ok := c.Resolve("get_weather")
	require.True(t, ok, "unique tools keep their plain name")
	assert.Equal(t, "movies", weather.PluginName)

	for _, d := range c.Definitions() {
		assert.Regexp(t, validName, d.Name)
		assert.Equal(t, "object", d.Parameters["type"])
	}
}

func TestBuild_BuiltinKeepsPlainName(t *testing.T) {
	builtins := []types.Tool{{Name: "mono", Description: "set mono context"}}
	c := Build([]types.ToolEntry{entry("127.0.0.1:9003", "ctx", "mono")}, builtins)

	b, ok := c.Resolve("mono")
	require.True(t, ok)
	assert.True(t, b.Builtin)

	name, ok := c.NameOf(types.ToolRef{Endpoint: "127.0.0.1:9003", Tool: "mono"})
	require.True(t, ok)
	assert.Equal(t, "mono__127_0_0_1_9003", name)
}

func TestBuild_StableAndBounded(t *testing.T) {
	long := strings.Repeat("x", 80)
	entries := []types.ToolEntry{
		entry("host-with-a-rather-long-name.internal.example:9001", "a", long),
		entry("host-with-a-rather-long-name.internal.example:9002", "b", long),
		entry("127.0.0.1:9001", "c", "weird name!"),
	}
	first := Build(entries, nil).Definitions()
	second := Build(entries, nil).Definitions()
	assert.Equal(t, first, second)

	seen := map[string]bool{}
	for _, d := range first {
		assert.Regexp(t, validName, d.Name)
		assert.False(t, seen[d.Name], "duplicate catalog name %s", d.Name)
		seen[d.Name] = true
	}
	assert.Len(t, seen, 3)
	assert.True(t, seen["weird_name_"])
}
