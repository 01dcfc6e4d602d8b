package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// OpenAIAdapter speaks the OpenAI `/v1/chat/completions` SSE dialect. Tool
// call arguments, like Anthropic's, arrive as incremental JSON fragments
// keyed by the tool_calls array index rather than atomically.
type OpenAIAdapter struct{}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (a *OpenAIAdapter) Stream(ctx context.Context, client *http.Client, baseURL string, cred *credential.Credential, req translate.Request) (<-chan upstream.Event, error) {
	wire := translate.ToOpenAI(req)
	wire.Stream = true
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cred != nil {
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	events := make(chan upstream.Event, 32)
	if retryable, code, msg := classifyHTTPStatus(resp); code != 0 {
		resp.Body.Close()
		events <- upstream.Event{Kind: upstream.EventError, ErrMessage: msg, StatusCode: code, Retryable: retryable, RetryAfter: retryAfterSeconds(resp)}
		close(events)
		return events, nil
	}

	go func() {
		defer resp.Body.Close()
		defer close(events)
		sc := sseLineScanner(resp.Body)
		// tool call args accumulate per index since OpenAI streams the
		// function name on the first delta and arguments incrementally.
		names := map[int]string{}
		ids := map[int]string{}
		args := map[int]*bytes.Buffer{}
		finished := false
		for sc.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			payload, ok := dataPayload(sc.Text())
			if !ok {
				continue
			}
			var chunk openAIChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.ReasoningContent != "" {
					events <- upstream.Event{Kind: upstream.EventThinkingDelta, Text: choice.Delta.ReasoningContent}
				}
				if choice.Delta.Content != "" {
					events <- upstream.Event{Kind: upstream.EventTextDelta, Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					if tc.ID != "" {
						ids[tc.Index] = tc.ID
					}
					if tc.Function.Name != "" {
						names[tc.Index] = tc.Function.Name
					}
					if args[tc.Index] == nil {
						args[tc.Index] = &bytes.Buffer{}
					}
					args[tc.Index].WriteString(tc.Function.Arguments)
				}
				if choice.FinishReason != "" {
					for idx, name := range names {
						var parsed map[string]interface{}
						_ = json.Unmarshal(args[idx].Bytes(), &parsed)
						events <- upstream.Event{Kind: upstream.EventToolCall, ToolCallID: ids[idx], ToolName: name, ToolArgs: parsed}
					}
					finished = true
					out := upstream.Event{Kind: upstream.EventFinish, FinishReason: normalizeOpenAIFinishReason(choice.FinishReason)}
					if chunk.Usage != nil {
						out.InputTokens = chunk.Usage.PromptTokens
						out.OutputTokens = chunk.Usage.CompletionTokens
					}
					events <- out
				}
			}
		}
		if !finished {
			events <- upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop"}
		}
	}()

	return events, nil
}

func normalizeOpenAIFinishReason(r string) string {
	switch r {
	case "stop":
		return "stop"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_calls"
	default:
		return "stop"
	}
}
