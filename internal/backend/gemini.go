package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// GeminiAdapter speaks the Gemini-native streamGenerateContent dialect.
type GeminiAdapter struct{}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text             string `json:"text,omitempty"`
				Thought          bool   `json:"thought,omitempty"`
				ThoughtSignature string `json:"thoughtSignature,omitempty"`
				FunctionCall     *struct {
					ID   string                 `json:"id,omitempty"`
					Name string                 `json:"name"`
					Args map[string]interface{} `json:"args,omitempty"`
				} `json:"functionCall,omitempty"`
			} `json:"parts,omitempty"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates,omitempty"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (a *GeminiAdapter) Stream(ctx context.Context, client *http.Client, baseURL string, cred *credential.Credential, req translate.Request) (<-chan upstream.Event, error) {
	body, err := json.Marshal(translate.ToGemini(req))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
			var chunk geminiChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, c := range chunk.Candidates {
				for _, p := range c.Content.Parts {
					switch {
					case p.FunctionCall != nil:
						id := p.FunctionCall.ID
						if id == "" {
							id = translate.GenerateToolCallID(p.FunctionCall.Name, p.FunctionCall.Args)
						}
						events <- upstream.Event{Kind: upstream.EventToolCall, ToolCallID: id, ToolName: p.FunctionCall.Name, ToolArgs: p.FunctionCall.Args, Signature: p.ThoughtSignature}
					case p.Thought:
						events <- upstream.Event{Kind: upstream.EventThinkingDelta, Text: p.Text}
						if p.ThoughtSignature != "" {
							events <- upstream.Event{Kind: upstream.EventSignature, Signature: p.ThoughtSignature}
						}
					case p.ThoughtSignature != "":
						// Observed upstream behavior: a standalone
						// signature part with no thought flag set.
						events <- upstream.Event{Kind: upstream.EventSignature, Signature: p.ThoughtSignature}
					default:
						events <- upstream.Event{Kind: upstream.EventTextDelta, Text: p.Text}
					}
				}
				if c.FinishReason != "" {
					finished = true
					ev := upstream.Event{Kind: upstream.EventFinish, FinishReason: normalizeFinishReason(c.FinishReason)}
					if chunk.UsageMetadata != nil {
						ev.InputTokens = chunk.UsageMetadata.PromptTokenCount
						ev.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
					}
					events <- ev
				}
			}
		}
		if !finished {
			events <- upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop"}
		}
	}()

	return events, nil
}

func normalizeFinishReason(r string) string {
	switch r {
	case "STOP", "stop":
		return "stop"
	case "MAX_TOKENS", "length":
		return "max_tokens"
	case "TOOL_CALLS", "tool_calls", "FUNCTION_CALL":
		return "tool_calls"
	default:
		return "stop"
	}
}

// classifyHTTPStatus reports whether resp's status is an error the router
// should classify; code is 0 for a plain 200 (nothing to report).
func classifyHTTPStatus(resp *http.Response) (retryable bool, code int, msg string) {
	if resp.StatusCode == http.StatusOK {
		return false, 0, ""
	}
	switch {
	case resp.StatusCode == 429:
		return true, resp.StatusCode, "rate limited"
	case resp.StatusCode >= 500:
		return true, resp.StatusCode, "upstream server error"
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return false, resp.StatusCode, "auth failure"
	default:
		return false, resp.StatusCode, "client error"
	}
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
