// Package dialect implements the downstream half of the streaming
// translator: one stream.Writer per client wire format, each re-encoding
// the normalized event sequence into its dialect's SSE or NDJSON framing.
package dialect

import (
	"encoding/json"

	"github.com/relaygate/gateway/internal/server/sse"
	"github.com/relaygate/gateway/internal/translate"
)

// AnthropicWriter emits the Anthropic messages streaming event sequence:
// message_start, then content_block_start/delta/stop per block, then
// message_delta with the stop reason and message_stop.
type AnthropicWriter struct {
	sw    *sse.Writer
	id    string
	model string
	index int
}

// NewAnthropicWriter builds a writer for one response. id is the message id
// surfaced to the client; model is echoed in message_start.
func NewAnthropicWriter(sw *sse.Writer, id, model string) *AnthropicWriter {
	return &AnthropicWriter{sw: sw, id: id, model: model, index: -1}
}

// Begin emits message_start. Handlers call it once before driving the
// state machine.
func (w *AnthropicWriter) Begin() error {
	return w.sw.WriteEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            w.id,
			"type":          "message",
			"role":          "assistant",
			"model":         w.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (w *AnthropicWriter) blockStart(block map[string]interface{}) error {
	w.index++
	return w.sw.WriteEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         w.index,
		"content_block": block,
	})
}

func (w *AnthropicWriter) blockDelta(delta map[string]interface{}) error {
	return w.sw.WriteEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": w.index,
		"delta": delta,
	})
}

func (w *AnthropicWriter) blockStop() error {
	return w.sw.WriteEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": w.index,
	})
}

func (w *AnthropicWriter) ThinkingStart() error {
	return w.blockStart(map[string]interface{}{"type": "thinking", "thinking": ""})
}

func (w *AnthropicWriter) ThinkingDelta(text string) error {
	return w.blockDelta(map[string]interface{}{"type": "thinking_delta", "thinking": text})
}

func (w *AnthropicWriter) ThinkingStop(sig string, redacted bool) error {
	if sig != "" {
		if err := w.blockDelta(map[string]interface{}{"type": "signature_delta", "signature": sig}); err != nil {
			return err
		}
	}
	return w.blockStop()
}

func (w *AnthropicWriter) TextStart() error {
	return w.blockStart(map[string]interface{}{"type": "text", "text": ""})
}

func (w *AnthropicWriter) TextDelta(text string) error {
	return w.blockDelta(map[string]interface{}{"type": "text_delta", "text": text})
}

func (w *AnthropicWriter) TextStop() error {
	return w.blockStop()
}

func (w *AnthropicWriter) ToolUse(id, name string, args map[string]interface{}) error {
	if err := w.blockStart(map[string]interface{}{
		"type": "tool_use", "id": id, "name": name, "input": map[string]interface{}{},
	}); err != nil {
		return err
	}
	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}
	if err := w.blockDelta(map[string]interface{}{"type": "input_json_delta", "partial_json": string(argJSON)}); err != nil {
		return err
	}
	return w.blockStop()
}

func (w *AnthropicWriter) Finish(reason string, usage translate.Usage) error {
	if err := w.sw.WriteEvent("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": AnthropicStopReason(reason)},
		"usage": map[string]int{"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens},
	}); err != nil {
		return err
	}
	return w.sw.WriteEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

func (w *AnthropicWriter) Error(message string) error {
	return w.sw.WriteEvent("error", map[string]interface{}{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": message},
	})
}

// AnthropicStopReason maps a normalized finish reason to Anthropic's
// stop_reason vocabulary.
func AnthropicStopReason(r string) string {
	switch r {
	case "tool_calls":
		return "tool_use"
	case "max_tokens":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
