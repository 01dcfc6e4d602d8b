package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// AnthropicAdapter speaks the Anthropic `/v1/messages` SSE dialect:
// content_block_start/delta/stop events framed around message_start/
// message_delta/message_stop, each line preceded by its own "event: <type>"
// line per the Anthropic streaming convention.
type AnthropicAdapter struct{}

type anthropicSSEEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		Signature   string `json:"signature,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// blockTracker remembers the tool name/id and accumulated partial_json for
// each open content_block index, since Anthropic streams tool-call
// arguments as incremental JSON fragments rather than the atomic payload
// the other two dialects deliver.
type blockTracker struct {
	kind     string // "thinking" | "tool_use" | "text"
	toolID   string
	toolName string
	argsJSON strings.Builder
}

func (a *AnthropicAdapter) Stream(ctx context.Context, client *http.Client, baseURL string, cred *credential.Credential, req translate.Request) (<-chan upstream.Event, error) {
	body, err := json.Marshal(withStream(translate.ToAnthropic(req)))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if cred != nil {
		httpReq.Header.Set("x-api-key", cred.AccessToken)
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
		blocks := map[int]*blockTracker{}
		finished := false
		for sc.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := sc.Text()
			if strings.HasPrefix(line, "event:") {
				continue // the "data:" line carries the same type, redundant for parsing
			}
			payload, ok := dataPayload(line)
			if !ok {
				continue
			}
			var ev anthropicSSEEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock == nil {
					continue
				}
				blocks[ev.Index] = &blockTracker{kind: ev.ContentBlock.Type, toolID: ev.ContentBlock.ID, toolName: ev.ContentBlock.Name}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				tracker := blocks[ev.Index]
				switch ev.Delta.Type {
				case "text_delta":
					events <- upstream.Event{Kind: upstream.EventTextDelta, Text: ev.Delta.Text}
				case "thinking_delta":
					events <- upstream.Event{Kind: upstream.EventThinkingDelta, Text: ev.Delta.Thinking}
				case "signature_delta":
					events <- upstream.Event{Kind: upstream.EventSignature, Signature: ev.Delta.Signature}
				case "input_json_delta":
					if tracker != nil {
						tracker.argsJSON.WriteString(ev.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				tracker := blocks[ev.Index]
				if tracker != nil && tracker.kind == "tool_use" {
					var args map[string]interface{}
					_ = json.Unmarshal([]byte(tracker.argsJSON.String()), &args)
					events <- upstream.Event{Kind: upstream.EventToolCall, ToolCallID: tracker.toolID, ToolName: tracker.toolName, ToolArgs: args}
				}
			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					finished = true
					out := upstream.Event{Kind: upstream.EventFinish, FinishReason: normalizeAnthropicStopReason(ev.Delta.StopReason)}
					if ev.Usage != nil {
						out.InputTokens = ev.Usage.InputTokens
						out.OutputTokens = ev.Usage.OutputTokens
					}
					events <- out
				}
			case "error":
				if ev.Error != nil {
					events <- upstream.Event{Kind: upstream.EventError, ErrMessage: ev.Error.Message}
					return
				}
			}
		}
		if !finished {
			events <- upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop"}
		}
	}()

	return events, nil
}

func normalizeAnthropicStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "max_tokens"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func withStream(r translate.AnthropicRequest) translate.AnthropicRequest {
	r.Stream = true
	return r
}
