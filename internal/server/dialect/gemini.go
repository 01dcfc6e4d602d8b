package dialect

import (
	"github.com/relaygate/gateway/internal/server/sse"
	"github.com/relaygate/gateway/internal/translate"
)

// GeminiWriter emits streamGenerateContent chunks: each delta is a
// one-candidate response fragment whose parts carry the thought flag and
// thoughtSignature inline, the native representation the other two dialects
// have to approximate.
type GeminiWriter struct {
	sw *sse.Writer
}

// NewGeminiWriter builds a writer for one response.
func NewGeminiWriter(sw *sse.Writer) *GeminiWriter {
	return &GeminiWriter{sw: sw}
}

func (w *GeminiWriter) parts(parts []translate.GeminiPart, finishReason string, usage *translate.GeminiUsageMetadata) error {
	cand := map[string]interface{}{
		"content": map[string]interface{}{"role": "model", "parts": parts},
	}
	if finishReason != "" {
		cand["finishReason"] = finishReason
	}
	body := map[string]interface{}{"candidates": []interface{}{cand}}
	if usage != nil {
		body["usageMetadata"] = usage
	}
	return w.sw.WriteData(body)
}

func (w *GeminiWriter) ThinkingStart() error { return nil }

func (w *GeminiWriter) ThinkingDelta(text string) error {
	return w.parts([]translate.GeminiPart{{Text: text, Thought: true}}, "", nil)
}

func (w *GeminiWriter) ThinkingStop(sig string, redacted bool) error {
	if sig == "" {
		return nil
	}
	return w.parts([]translate.GeminiPart{{Thought: true, ThoughtSignature: sig}}, "", nil)
}

func (w *GeminiWriter) TextStart() error { return nil }

func (w *GeminiWriter) TextDelta(text string) error {
	return w.parts([]translate.GeminiPart{{Text: text}}, "", nil)
}

func (w *GeminiWriter) TextStop() error { return nil }

func (w *GeminiWriter) ToolUse(id, name string, args map[string]interface{}) error {
	return w.parts([]translate.GeminiPart{{
		FunctionCall: &translate.GeminiFunctionCall{ID: id, Name: name, Args: args},
	}}, "", nil)
}

func (w *GeminiWriter) Finish(reason string, usage translate.Usage) error {
	return w.parts([]translate.GeminiPart{}, GeminiFinishReason(reason), &translate.GeminiUsageMetadata{
		PromptTokenCount:     usage.InputTokens,
		CandidatesTokenCount: usage.OutputTokens,
	})
}

func (w *GeminiWriter) Error(message string) error {
	return w.sw.WriteData(map[string]interface{}{
		"error": map[string]interface{}{"message": message, "status": "UNAVAILABLE"},
	})
}

// GeminiFinishReason maps a normalized finish reason to Gemini's
// finishReason vocabulary.
func GeminiFinishReason(r string) string {
	switch r {
	case "max_tokens":
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}
