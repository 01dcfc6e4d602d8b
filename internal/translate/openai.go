package translate

import (
	"encoding/json"
	"strings"
)

// OpenAI chat-completions wire types, hand-rolled for the same reasons as
// anthropic.go: openai-go is a client-call builder, not a passive DTO set.

// OpenAIFunctionCall is the `function_call`/`function` payload of a tool call.
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded string, OpenAI's own quirk
}

// OpenAIToolCall is one entry in an assistant message's `tool_calls`.
type OpenAIToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"` // always "function"
	Function OpenAIFunctionCall  `json:"function"`
}

// OpenAIImageURL is the `image_url` payload of an image content part; URL
// is either a remote URL or a `data:` URL carrying the base64 payload.
type OpenAIImageURL struct {
	URL string `json:"url"`
}

// OpenAIContentPart is one element of a multipart `content` array.
type OpenAIContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

// OpenAIMessage is one entry in the `messages` array. Content may be a plain
// string or an []OpenAIContentPart depending on whether the message carries
// image parts; RawContent holds either form and contentBlocks decodes it.
type OpenAIMessage struct {
	Role       string          `json:"role"`
	RawContent json.RawMessage `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`

	// ReasoningContent mirrors the de-facto convention several
	// OpenAI-compatible backends (and this gateway) use to carry a hidden
	// reasoning/thinking trace alongside visible content.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// OpenAIFunctionDef is the `function` field of a tool declaration.
type OpenAIFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// OpenAITool is one entry in the `tools` array.
type OpenAITool struct {
	Type     string            `json:"type"` // always "function"
	Function OpenAIFunctionDef `json:"function"`
}

// OpenAIRequest is the `/v1/chat/completions` request body.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`

	// ReasoningEffort is the OpenAI-compatible thinking-budget knob; this
	// gateway maps it onto the normalized ThinkingConfig.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// FromOpenAI converts a wire OpenAIRequest into the normalized Request.
func FromOpenAI(req OpenAIRequest) Request {
	out := Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}
	if req.ReasoningEffort != "" && req.ReasoningEffort != "none" {
		out.Thinking = ThinkingConfig{Enabled: true, BudgetTokens: reasoningEffortToBudget(req.ReasoningEffort)}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Schema: t.Function.Parameters})
	}

	pendingToolCalls := map[string]Block{} // id -> ToolUse block, matched to its result by ToolCallID

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = joinTextContent(m.RawContent)
			continue
		case "tool":
			result := Block{Kind: KindToolResult, ToolResultForID: m.ToolCallID, ToolOutput: joinTextContent(m.RawContent)}
			out.Messages = append(out.Messages, Message{Role: RoleUser, Content: []Block{result}})
			continue
		}

		msg := Message{Role: openAIRoleToInternal(m.Role)}
		if m.ReasoningContent != "" {
			msg.Content = append(msg.Content, Block{Kind: KindThinking, Thinking: m.ReasoningContent})
		}
		msg.Content = append(msg.Content, contentBlocks(m.RawContent)...)
		for _, tc := range m.ToolCalls {
			var args map[string]interface{}
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			b := Block{Kind: KindToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: args}
			msg.Content = append(msg.Content, b)
			pendingToolCalls[tc.ID] = b
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// ToOpenAI converts the normalized Request into OpenAI chat-completions
// wire shape. Tool results are emitted as role:"tool" messages immediately
// following their owning assistant turn, matching OpenAI's flat-history
// convention instead of Anthropic's content-block nesting.
func ToOpenAI(req Request) OpenAIRequest {
	out := OpenAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}
	if req.Thinking.Enabled {
		out.ReasoningEffort = budgetToReasoningEffort(req.Thinking.BudgetTokens)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{Type: "function", Function: OpenAIFunctionDef{
			Name: t.Name, Description: t.Description, Parameters: EnsureToolSchema(t.Name, t.Schema),
		}})
	}
	if req.System != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", RawContent: jsonString(req.System)})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, messagesToOpenAI(m)...)
	}
	return out
}

func messagesToOpenAI(m Message) []OpenAIMessage {
	var out []OpenAIMessage
	msg := OpenAIMessage{Role: internalRoleToOpenAI(m.Role)}
	var textParts []string
	var imageParts []OpenAIContentPart

	for _, b := range m.Content {
		switch b.Kind {
		case KindText:
			textParts = append(textParts, b.Text)
		case KindThinking:
			msg.ReasoningContent = b.Thinking
		case KindImage:
			imageParts = append(imageParts, imagePartFromBlock(b))
		case KindToolUse:
			args, _ := json.Marshal(b.ToolInput)
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   b.ToolUseID,
				Type: "function",
				Function: OpenAIFunctionCall{Name: b.ToolName, Arguments: string(args)},
			})
		case KindToolResult:
			out = append(out, OpenAIMessage{Role: "tool", ToolCallID: b.ToolResultForID, RawContent: jsonString(toolOutputText(b.ToolOutput))})
		}
	}
	if len(imageParts) > 0 {
		// Images force the multipart content form; plain text stays a
		// string otherwise, the shape most OpenAI-compatible clients expect.
		parts := make([]OpenAIContentPart, 0, len(textParts)+len(imageParts))
		for _, t := range textParts {
			parts = append(parts, OpenAIContentPart{Type: "text", Text: t})
		}
		parts = append(parts, imageParts...)
		raw, _ := json.Marshal(parts)
		msg.RawContent = raw
	} else if len(textParts) > 0 {
		msg.RawContent = jsonString(joinStrings(textParts))
	}
	if msg.RawContent != nil || len(msg.ToolCalls) > 0 || msg.ReasoningContent != "" {
		out = append([]OpenAIMessage{msg}, out...)
	}
	return out
}

// imagePartFromBlock renders a KindImage block as an image_url part. A
// base64 payload rides in a data: URL; the base64 itself is concatenated,
// never decoded and re-encoded.
func imagePartFromBlock(b Block) OpenAIContentPart {
	url := b.ImageURL
	if url == "" {
		url = "data:" + b.ImageMediaType + ";base64," + b.ImageData
	}
	return OpenAIContentPart{Type: "image_url", ImageURL: &OpenAIImageURL{URL: url}}
}

func openAIRoleToInternal(role string) Role {
	if role == "assistant" {
		return RoleAssistant
	}
	return RoleUser
}

func internalRoleToOpenAI(role Role) string {
	if role == RoleAssistant {
		return "assistant"
	}
	return "user"
}

func reasoningEffortToBudget(effort string) int {
	switch effort {
	case "low":
		return 4096
	case "high":
		return 24576
	default: // "medium"
		return 8192
	}
}

func budgetToReasoningEffort(budget int) string {
	switch {
	case budget <= 4096:
		return "low"
	case budget >= 16384:
		return "high"
	default:
		return "medium"
	}
}

// contentBlocks decodes a message's content (string or parts array) into
// internal blocks, keeping image parts. A data: URL is split into its media
// type and base64 payload without touching the encoding.
func contentBlocks(raw json.RawMessage) []Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []Block{{Kind: KindText, Text: s}}
	}
	var parts []OpenAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []Block
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, Block{Kind: KindText, Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				continue
			}
			if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
				out = append(out, Block{Kind: KindImage, ImageMediaType: mediaType, ImageData: data})
			} else {
				out = append(out, Block{Kind: KindImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	return out
}

// splitDataURL splits "data:<media>;base64,<payload>" without decoding the
// payload.
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	return strings.TrimSuffix(header, ";base64"), payload, true
}

func joinTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []OpenAIContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return joinStrings(texts)
	}
	return ""
}

func toolOutputText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
