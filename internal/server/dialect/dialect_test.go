package dialect

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/server/sse"
	"github.com/relaygate/gateway/internal/translate"
)

func TestAnthropicWriterEventSequence(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := sse.NewWriter(rec)
	require.NoError(t, err)

	w := NewAnthropicWriter(sw, "msg_1", "claude-x")
	require.NoError(t, w.Begin())
	require.NoError(t, w.ThinkingStart())
	require.NoError(t, w.ThinkingDelta("deep "))
	require.NoError(t, w.ThinkingStop("signature-value-here", false))
	require.NoError(t, w.TextStart())
	require.NoError(t, w.TextDelta("answer"))
	require.NoError(t, w.TextStop())
	require.NoError(t, w.Finish("stop", translate.Usage{OutputTokens: 3}))

	body := rec.Body.String()
	for _, event := range []string{
		"event: message_start",
		"event: content_block_start",
		`"type":"thinking"`,
		`"type":"thinking_delta"`,
		`"type":"signature_delta"`,
		`"signature":"signature-value-here"`,
		`"type":"text_delta"`,
		"event: message_delta",
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	} {
		require.Contains(t, body, event)
	}
}

func TestAnthropicWriterToolUseStopReason(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := sse.NewWriter(rec)
	w := NewAnthropicWriter(sw, "msg_1", "claude-x")
	require.NoError(t, w.ToolUse("call_1", "search", map[string]interface{}{"q": "go"}))
	require.NoError(t, w.Finish("tool_calls", translate.Usage{}))

	body := rec.Body.String()
	require.Contains(t, body, `"type":"tool_use"`)
	require.Contains(t, body, `"input_json_delta"`)
	require.Contains(t, body, `"stop_reason":"tool_use"`)
}

func TestOpenAIWriterChunksAndDone(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := sse.NewWriter(rec)
	w := NewOpenAIWriter(sw, "chatcmpl-1", "gpt-x")
	require.NoError(t, w.ThinkingDelta("hmm"))
	require.NoError(t, w.TextDelta("hi"))
	require.NoError(t, w.ToolUse("call_1", "search", map[string]interface{}{"q": "x"}))
	require.NoError(t, w.Finish("max_tokens", translate.Usage{InputTokens: 1, OutputTokens: 2}))

	body := rec.Body.String()
	require.Contains(t, body, `"reasoning_content":"hmm"`)
	require.Contains(t, body, `"role":"assistant"`)
	require.Contains(t, body, `"content":"hi"`)
	require.Contains(t, body, `"tool_calls"`)
	require.Contains(t, body, `"finish_reason":"length"`)
	require.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestGeminiWriterParts(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := sse.NewWriter(rec)
	w := NewGeminiWriter(sw)
	require.NoError(t, w.ThinkingDelta("th"))
	require.NoError(t, w.ThinkingStop("sig-value-long-enough", false))
	require.NoError(t, w.TextDelta("out"))
	require.NoError(t, w.Finish("stop", translate.Usage{}))

	body := rec.Body.String()
	require.Contains(t, body, `"thought":true`)
	require.Contains(t, body, `"thoughtSignature":"sig-value-long-enough"`)
	require.Contains(t, body, `"finishReason":"STOP"`)
}

func TestNDJSONWriterNodes(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewNDJSONWriter(rec, "scid-123")
	require.NoError(t, err)

	// Thinking is consumed silently on this protocol.
	require.NoError(t, w.ThinkingDelta("hidden"))
	require.NoError(t, w.TextDelta("visible"))
	require.NoError(t, w.TextStop())
	require.NoError(t, w.ToolUse("call_1", "read_file", map[string]interface{}{"path": "/x"}))
	require.NoError(t, w.Finish("tool_calls", translate.Usage{}))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)

	var nodes []NDJSONNode
	for _, line := range lines {
		var n NDJSONNode
		require.NoError(t, json.Unmarshal([]byte(line), &n))
		nodes = append(nodes, n)
	}
	require.Equal(t, NodeText, nodes[0].Type)
	require.Equal(t, "visible", nodes[0].Text)
	require.Equal(t, NodeTextFinished, nodes[1].Type)
	require.Equal(t, NodeToolUse, nodes[2].Type)
	require.Equal(t, "read_file", nodes[2].ToolName)
	require.Equal(t, NodeCheckpoint, nodes[3].Type)
	require.Equal(t, "scid-123", nodes[3].CheckpointID)
	require.NotContains(t, rec.Body.String(), "hidden")
}
