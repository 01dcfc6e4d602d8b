package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Usage is the dialect-neutral token accounting for one response, carried
// alongside the assembled Message so the router/stream layer never has to
// re-derive it per dialect.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateToolCallID deterministically names a tool call that arrived
// without one of its own (Gemini never assigns one), as
// call_<hash(name,args)[:24]>. Hashing name+args keeps the id stable
// across retries of the same call within a single streamed turn.
func GenerateToolCallID(name string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	payload, _ := json.Marshal(struct {
		Name string                 `json:"name"`
		Args map[string]interface{} `json:"args"`
	}{name, ordered})
	sum := sha256.Sum256(payload)
	return "call_" + hex.EncodeToString(sum[:])[:24]
}

// AnthropicUsage is the `usage` field of an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse is the `/v1/messages` non-streaming response body.
type AnthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []AnthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage   `json:"usage"`
}

// ToAnthropicResponse assembles a normalized assistant Message into the
// Anthropic wire response shape.
func ToAnthropicResponse(id, model string, msg Message, stopReason string, usage Usage) AnthropicResponse {
	return AnthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocksToAnthropic(msg.Content),
		StopReason: stopReason,
		Usage:      AnthropicUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
	}
}

// OpenAIUsage is the `usage` field of an OpenAI chat-completion response.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIChoice is one entry in `choices`.
type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// OpenAIResponse is the `/v1/chat/completions` non-streaming response body.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// ToOpenAIResponse assembles a normalized assistant Message into the OpenAI
// chat-completions wire response shape. finishReason must already be in
// OpenAI's vocabulary ("stop", "tool_calls", "length", ...).
func ToOpenAIResponse(id, model string, msg Message, finishReason string, usage Usage) OpenAIResponse {
	openaiMsgs := messagesToOpenAI(msg)
	var m OpenAIMessage
	if len(openaiMsgs) > 0 {
		m = openaiMsgs[0]
	} else {
		m = OpenAIMessage{Role: "assistant"}
	}
	return OpenAIResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      m,
			FinishReason: finishReason,
		}},
		Usage: OpenAIUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	}
}

// GeminiUsageMetadata is the `usageMetadata` field of a Gemini response.
type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// GeminiCandidate is one entry in `candidates`.
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// GeminiResponse is the `generateContent` non-streaming response body.
type GeminiResponse struct {
	Candidates    []GeminiCandidate   `json:"candidates"`
	UsageMetadata GeminiUsageMetadata `json:"usageMetadata"`
}

// ToGeminiResponse assembles a normalized assistant Message into the
// Gemini-native wire response shape.
func ToGeminiResponse(msg Message, finishReason string, usage Usage) GeminiResponse {
	return GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: blocksToGemini(msg.Content)},
			FinishReason: finishReason,
		}},
		UsageMetadata: GeminiUsageMetadata{
			PromptTokenCount:     usage.InputTokens,
			CandidatesTokenCount: usage.OutputTokens,
		},
	}
}
