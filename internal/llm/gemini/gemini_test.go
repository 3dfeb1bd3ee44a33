package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/xiy/agent-core/internal/llm"
	"github.com/xiy/agent-core/pkg/types"
)

func TestBuildContentsNamesFunctionResponses(t *testing.T) {
	contents := buildContents([]llm.Message{
		{Role: types.RoleSystem, Content: "skip"},
		{Role: types.RoleUser, Content: "weather?"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call_0_0", Name: "weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)}}},
		{Role: types.RoleTool, ToolCallID: "call_0_0", Content: `{"temp":3}`},
		{Role: types.RoleTool, ToolCallID: "call_0_1", Content: `plain text`},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "Oslo", contents[1].Parts[0].FunctionCall.Args["city"])

	results := contents[2]
	assert.Equal(t, string(genai.RoleUser), results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "weather", results.Parts[0].FunctionResponse.Name)
	assert.EqualValues(t, 3, results.Parts[0].FunctionResponse.Response["temp"])
	assert.Equal(t, "plain text", results.Parts[1].FunctionResponse.Response["output"])
}

func TestBuildConfigTools(t *testing.T) {
	m := &Model{opts: defaultOptions()}
	cfg := m.buildConfig(llm.Request{
		System:   "be brief",
		Messages: []llm.Message{{Role: types.RoleSystem, Content: "Keep in mind for now: umbrella"}},
		Tools:    []llm.ToolDefinition{{Name: "mono", Parameters: map[string]any{"type": "object"}}},
	})
	require.NotNil(t, cfg.SystemInstruction)
	assert.Contains(t, cfg.SystemInstruction.Parts[0].Text, "umbrella")
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, "mono", cfg.Tools[0].FunctionDeclarations[0].Name)
	assert.Equal(t, "gemini", m.Info().Provider)
}
