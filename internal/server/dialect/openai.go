package dialect

import (
	"encoding/json"

	"github.com/relaygate/gateway/internal/server/sse"
	"github.com/relaygate/gateway/internal/translate"
)

// OpenAIWriter emits chat.completion.chunk deltas. Thinking text rides in
// the out-of-band reasoning_content delta field; tool calls arrive as one
// complete tool_calls delta since every upstream in scope delivers
// arguments atomically.
type OpenAIWriter struct {
	sw        *sse.Writer
	id        string
	model     string
	sentRole  bool
	toolIndex int
}

// NewOpenAIWriter builds a writer for one response.
func NewOpenAIWriter(sw *sse.Writer, id, model string) *OpenAIWriter {
	return &OpenAIWriter{sw: sw, id: id, model: model}
}

func (w *OpenAIWriter) chunk(delta map[string]interface{}, finishReason interface{}) error {
	if !w.sentRole {
		delta["role"] = "assistant"
		w.sentRole = true
	}
	return w.sw.WriteData(map[string]interface{}{
		"id":     w.id,
		"object": "chat.completion.chunk",
		"model":  w.model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	})
}

func (w *OpenAIWriter) ThinkingStart() error { return nil }

func (w *OpenAIWriter) ThinkingDelta(text string) error {
	return w.chunk(map[string]interface{}{"reasoning_content": text}, nil)
}

// ThinkingStop drops the signature: OpenAI chat-completions has no field
// that survives a client round trip, which is exactly why the sanitizer's
// recovery layers exist.
func (w *OpenAIWriter) ThinkingStop(string, bool) error { return nil }

func (w *OpenAIWriter) TextStart() error { return nil }

func (w *OpenAIWriter) TextDelta(text string) error {
	return w.chunk(map[string]interface{}{"content": text}, nil)
}

func (w *OpenAIWriter) TextStop() error { return nil }

func (w *OpenAIWriter) ToolUse(id, name string, args map[string]interface{}) error {
	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}
	idx := w.toolIndex
	w.toolIndex++
	return w.chunk(map[string]interface{}{
		"tool_calls": []map[string]interface{}{{
			"index": idx,
			"id":    id,
			"type":  "function",
			"function": map[string]interface{}{
				"name":      name,
				"arguments": string(argJSON),
			},
		}},
	}, nil)
}

func (w *OpenAIWriter) Finish(reason string, usage translate.Usage) error {
	if err := w.sw.WriteData(map[string]interface{}{
		"id":     w.id,
		"object": "chat.completion.chunk",
		"model":  w.model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         map[string]interface{}{},
			"finish_reason": OpenAIFinishReason(reason),
		}},
		"usage": map[string]int{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	}); err != nil {
		return err
	}
	return w.sw.WriteDone()
}

func (w *OpenAIWriter) Error(message string) error {
	if err := w.sw.WriteData(map[string]interface{}{
		"error": map[string]string{"message": message, "type": "upstream_error"},
	}); err != nil {
		return err
	}
	return w.sw.WriteDone()
}

// OpenAIFinishReason maps a normalized finish reason to OpenAI's
// finish_reason vocabulary.
func OpenAIFinishReason(r string) string {
	switch r {
	case "tool_calls":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
