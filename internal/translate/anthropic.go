package translate

import "encoding/json"

// The Anthropic wire types below are plain JSON-tagged structs. The
// official anthropic-sdk-go module models an outbound API *client* (request
// builders, streaming iterators) rather than plain wire DTOs; adapting it to
// play a passive server-side "shape I must byte-for-byte proxy" role fights
// the grain of that SDK.

// AnthropicImageSource is the `source` field of an Anthropic image block.
type AnthropicImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicBlock is one content block in Anthropic's always-a-list shape.
type AnthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	Source *AnthropicImageSource `json:"source,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// AnthropicMessage is one entry in an Anthropic `messages` array.
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// AnthropicTool is Anthropic's flat tool declaration.
type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// AnthropicThinking is the `thinking` request field.
type AnthropicThinking struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicRequest is the top-level `/v1/messages` request body.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []AnthropicMessage `json:"messages"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Thinking    *AnthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// FromAnthropic converts a wire AnthropicRequest into the normalized Request.
func FromAnthropic(req AnthropicRequest) Request {
	out := Request{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}
	if req.Thinking != nil {
		out.Thinking = ThinkingConfig{
			Enabled:      req.Thinking.Type == "enabled",
			BudgetTokens: req.Thinking.BudgetTokens,
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, Message{
			Role:    anthropicRoleToInternal(m.Role),
			Content: blocksFromAnthropic(m.Content),
		})
	}
	return out
}

// ToAnthropic converts the normalized Request into Anthropic wire shape.
func ToAnthropic(req Request) AnthropicRequest {
	out := AnthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}
	if req.Thinking.Enabled {
		out.Thinking = &AnthropicThinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, AnthropicTool{Name: t.Name, Description: t.Description, InputSchema: EnsureToolSchema(t.Name, t.Schema)})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, AnthropicMessage{
			Role:    internalRoleToAnthropic(m.Role),
			Content: blocksToAnthropic(m.Content),
		})
	}
	return out
}

func anthropicRoleToInternal(role string) Role {
	if role == "assistant" {
		return RoleAssistant
	}
	return RoleUser
}

func internalRoleToAnthropic(role Role) string {
	if role == RoleAssistant {
		return "assistant"
	}
	return "user"
}

func blocksFromAnthropic(blocks []AnthropicBlock) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, Block{Kind: KindText, Text: b.Text})
		case "thinking":
			out = append(out, Block{Kind: KindThinking, Thinking: b.Thinking, Signature: b.Signature})
		case "redacted_thinking":
			out = append(out, Block{Kind: KindThinking, Redacted: true})
		case "tool_use":
			out = append(out, Block{Kind: KindToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		case "tool_result":
			out = append(out, Block{Kind: KindToolResult, ToolResultForID: b.ToolUseID, ToolOutput: b.Content, ToolIsError: b.IsError})
		case "image":
			if b.Source != nil {
				out = append(out, Block{Kind: KindImage, ImageMediaType: b.Source.MediaType, ImageData: b.Source.Data, ImageURL: b.Source.URL})
			}
		}
	}
	return out
}

func blocksToAnthropic(blocks []Block) []AnthropicBlock {
	out := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case KindText:
			out = append(out, AnthropicBlock{Type: "text", Text: b.Text})
		case KindThinking:
			if b.Redacted {
				out = append(out, AnthropicBlock{Type: "redacted_thinking"})
				continue
			}
			out = append(out, AnthropicBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature})
		case KindToolUse:
			out = append(out, AnthropicBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
		case KindToolResult:
			out = append(out, AnthropicBlock{Type: "tool_result", ToolUseID: b.ToolResultForID, Content: b.ToolOutput, IsError: b.ToolIsError})
		case KindImage:
			out = append(out, AnthropicBlock{
				Type:   "image",
				Source: &AnthropicImageSource{Type: "base64", MediaType: b.ImageMediaType, Data: b.ImageData, URL: b.ImageURL},
			})
		}
	}
	return out
}
