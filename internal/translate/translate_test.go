package translate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnthropicRoundTripPreservesThinkingSignature(t *testing.T) {
	req := Request{
		Model:     "claude-opus",
		MaxTokens: 1024,
		Thinking:  ThinkingConfig{Enabled: true, BudgetTokens: 2048},
		Messages: []Message{
			{Role: RoleAssistant, Content: []Block{
				{Kind: KindThinking, Thinking: "let me consider", Signature: "sig-123456"},
				{Kind: KindText, Text: "the answer is 4"},
			}},
		},
	}
	wire := ToAnthropic(req)
	require.NotNil(t, wire.Thinking)
	require.Equal(t, "enabled", wire.Thinking.Type)

	back := FromAnthropic(wire)
	require.Len(t, back.Messages, 1)
	require.Len(t, back.Messages[0].Content, 2)
	require.Equal(t, "sig-123456", back.Messages[0].Content[0].Signature)
	require.Equal(t, "the answer is 4", back.Messages[0].Content[1].Text)
}

func TestOpenAIToolCallRoundTrip(t *testing.T) {
	req := Request{
		Model: "gpt-x",
		Messages: []Message{
			{Role: RoleAssistant, Content: []Block{
				{Kind: KindToolUse, ToolUseID: "call_1", ToolName: "search", ToolInput: map[string]interface{}{"q": "go"}},
			}},
			{Role: RoleUser, Content: []Block{
				{Kind: KindToolResult, ToolResultForID: "call_1", ToolOutput: "3 results"},
			}},
		},
	}
	wire := ToOpenAI(req)
	require.Len(t, wire.Messages, 2)
	require.Equal(t, "assistant", wire.Messages[0].Role)
	require.Len(t, wire.Messages[0].ToolCalls, 1)
	require.Equal(t, "call_1", wire.Messages[0].ToolCalls[0].ID)
	require.Equal(t, "tool", wire.Messages[1].Role)

	back := FromOpenAI(wire)
	require.Len(t, back.Messages, 2)
	require.Equal(t, KindToolUse, back.Messages[0].Content[0].Kind)
	require.Equal(t, "search", back.Messages[0].Content[0].ToolName)
}

func TestGeminiThoughtSignatureRoundTrip(t *testing.T) {
	req := Request{
		Messages: []Message{
			{Role: RoleAssistant, Content: []Block{
				{Kind: KindThinking, Thinking: "reasoning", Signature: "abc"},
			}},
		},
	}
	wire := ToGemini(req)
	require.Len(t, wire.Contents, 1)
	require.True(t, wire.Contents[0].Parts[0].Thought)
	require.Equal(t, "abc", wire.Contents[0].Parts[0].ThoughtSignature)

	back := FromGemini(wire)
	require.Equal(t, "abc", back.Messages[0].Content[0].Signature)
}

func TestCleanForGeminiEmptySchemaStaysEmptyObject(t *testing.T) {
	out := CleanForGemini(nil)
	require.Equal(t, "object", out["type"])
	props, ok := out["properties"].(map[string]interface{})
	require.True(t, ok)
	require.Empty(t, props)
}

func TestEnsureToolSchemaFallback(t *testing.T) {
	// A declared schema is passed through untouched.
	declared := map[string]interface{}{"type": "object", "properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}}}
	require.Equal(t, declared, EnsureToolSchema("read_file", declared))

	// Tools on the fallback list get the synthesized query schema.
	out := EnsureToolSchema("web_search", nil)
	props := out["properties"].(map[string]interface{})
	require.Contains(t, props, "query")
	require.Equal(t, []interface{}{"query"}, out["required"])

	// Everything else keeps an honest empty object.
	out = EnsureToolSchema("do_nothing", nil)
	props = out["properties"].(map[string]interface{})
	require.Empty(t, props)
	require.NotContains(t, out, "required")
}

func TestOpenAIImageRoundTrip(t *testing.T) {
	req := Request{
		Model: "gpt-x",
		Messages: []Message{
			{Role: RoleUser, Content: []Block{
				{Kind: KindText, Text: "what is in this image?"},
				{Kind: KindImage, ImageMediaType: "image/png", ImageData: "aGVsbG8="},
			}},
		},
	}
	wire := ToOpenAI(req)
	require.Len(t, wire.Messages, 1)

	back := FromOpenAI(wire)
	require.Len(t, back.Messages, 1)
	require.Len(t, back.Messages[0].Content, 2)
	img := back.Messages[0].Content[1]
	require.Equal(t, KindImage, img.Kind)
	require.Equal(t, "image/png", img.ImageMediaType)
	require.Equal(t, "aGVsbG8=", img.ImageData, "base64 payload must survive untouched")
}

func TestOpenAIRemoteImageURLRoundTrip(t *testing.T) {
	req := Request{
		Messages: []Message{
			{Role: RoleUser, Content: []Block{
				{Kind: KindImage, ImageURL: "https://example.com/cat.png"},
			}},
		},
	}
	back := FromOpenAI(ToOpenAI(req))
	require.Len(t, back.Messages[0].Content, 1)
	require.Equal(t, KindImage, back.Messages[0].Content[0].Kind)
	require.Equal(t, "https://example.com/cat.png", back.Messages[0].Content[0].ImageURL)
}

func TestCleanForGeminiFlattensAnyOfAndUppercasesType(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"value": map[string]interface{}{
				"anyOf": []interface{}{
					map[string]interface{}{"type": "string"},
					map[string]interface{}{"type": "object", "properties": map[string]interface{}{"x": map[string]interface{}{"type": "number"}}},
				},
			},
		},
	}
	out := CleanForGemini(schema)
	require.Equal(t, "OBJECT", out["type"])
	props := out["properties"].(map[string]interface{})
	value := props["value"].(map[string]interface{})
	require.Equal(t, "OBJECT", value["type"], "anyOf must pick the higher-scoring object branch")
}

func TestSanitizeForAntigravityDropsUnknownFields(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
	}
	out := SanitizeForAntigravity(schema)
	_, hasSchema := out["$schema"]
	require.False(t, hasSchema)
	require.Equal(t, "object", out["type"])
}

func TestValidateToolInputRejectsWrongType(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"count": map[string]interface{}{"type": "integer"}},
		"required":   []interface{}{"count"},
	}
	err := ValidateToolInput(schema, map[string]interface{}{"count": "not-a-number"})
	require.Error(t, err)

	err = ValidateToolInput(schema, map[string]interface{}{"count": 3})
	require.NoError(t, err)
}
