package translate

import (
	"encoding/json"
)

// Gemini-native wire types.
// The gateway's internal Request/Message/Block IS this dialect's closest
// neighbor among the three, so From/ToGemini are the thinnest of the three
// converters; the interesting work (signature recovery, family checks) lives
// in the sanitizer, which operates on Block already.

// GeminiInlineData is an inline base64 blob (image, document).
type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiFunctionCall is a model-issued tool invocation. Gemini itself never
// assigns an id to a function call; ID is populated by this gateway (see
// GenerateToolCallID) so the rest of the pipeline can treat tool calls
// uniformly across dialects.
type GeminiFunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// GeminiFunctionResponse is a client-supplied tool result.
type GeminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// GeminiPart is one part of a Gemini `content.parts` array. ThoughtSignature
// carries the opaque signature the signature store keys thinking parts by.
type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	InlineData       *GeminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

// GeminiContent is one turn of the `contents` array.
type GeminiContent struct {
	Role  string       `json:"role"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

// GeminiFunctionDeclaration is one tool entry under `tools[].functionDeclarations`.
type GeminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// GeminiTool wraps the declarations array, Gemini's nesting convention.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations"`
}

// GeminiThinkingConfig is the `generationConfig.thinkingConfig` block.
type GeminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// GeminiGenerationConfig is the `generationConfig` block.
type GeminiGenerationConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	ThinkingConfig  *GeminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

// GeminiSystemInstruction wraps the system prompt in Gemini's content shape.
type GeminiSystemInstruction struct {
	Parts []GeminiPart `json:"parts"`
}

// GeminiRequest is the `generateContent`/`streamGenerateContent` body.
type GeminiRequest struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiSystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool             `json:"tools,omitempty"`
	GenerationConfig  GeminiGenerationConfig   `json:"generationConfig,omitempty"`
}

// FromGemini converts a wire GeminiRequest into the normalized Request.
func FromGemini(req GeminiRequest) Request {
	out := Request{
		MaxTokens:   req.GenerationConfig.MaxOutputTokens,
		Temperature: req.GenerationConfig.Temperature,
	}
	if tc := req.GenerationConfig.ThinkingConfig; tc != nil {
		out.Thinking = ThinkingConfig{Enabled: tc.IncludeThoughts, BudgetTokens: tc.ThinkingBudget}
	}
	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			out.System += p.Text
		}
	}
	for _, tool := range req.Tools {
		for _, fd := range tool.FunctionDeclarations {
			out.Tools = append(out.Tools, Tool{Name: fd.Name, Description: fd.Description, Schema: fd.Parameters})
		}
	}
	for _, c := range req.Contents {
		out.Messages = append(out.Messages, Message{
			Role:    geminiRoleToInternal(c.Role),
			Content: blocksFromGemini(c.Parts),
		})
	}
	return out
}

// ToGemini converts the normalized Request into Gemini wire shape.
func ToGemini(req Request) GeminiRequest {
	out := GeminiRequest{
		GenerationConfig: GeminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.Thinking.Enabled {
		out.GenerationConfig.ThinkingConfig = &GeminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: req.Thinking.BudgetTokens}
	}
	if req.System != "" {
		out.SystemInstruction = &GeminiSystemInstruction{Parts: []GeminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  CleanForGemini(EnsureToolSchema(t.Name, t.Schema)),
			})
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}
	for _, m := range req.Messages {
		out.Contents = append(out.Contents, GeminiContent{
			Role:  internalRoleToGemini(m.Role),
			Parts: blocksToGemini(m.Content),
		})
	}
	return out
}

func geminiRoleToInternal(role string) Role {
	if role == "model" {
		return RoleAssistant
	}
	return RoleUser
}

func internalRoleToGemini(role Role) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

func blocksFromGemini(parts []GeminiPart) []Block {
	out := make([]Block, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Thought:
			out = append(out, Block{Kind: KindThinking, Thinking: p.Text, Signature: p.ThoughtSignature})
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = GenerateToolCallID(p.FunctionCall.Name, p.FunctionCall.Args)
			}
			out = append(out, Block{Kind: KindToolUse, ToolUseID: id, ToolName: p.FunctionCall.Name, ToolInput: p.FunctionCall.Args, Signature: p.ThoughtSignature})
		case p.FunctionResponse != nil:
			respBytes, _ := json.Marshal(p.FunctionResponse.Response)
			out = append(out, Block{Kind: KindToolResult, ToolResultForID: p.FunctionResponse.Name, ToolOutput: string(respBytes)})
		case p.InlineData != nil:
			out = append(out, Block{Kind: KindImage, ImageMediaType: p.InlineData.MimeType, ImageData: p.InlineData.Data})
		default:
			out = append(out, Block{Kind: KindText, Text: p.Text})
		}
	}
	return out
}

func blocksToGemini(blocks []Block) []GeminiPart {
	out := make([]GeminiPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case KindText:
			out = append(out, GeminiPart{Text: b.Text})
		case KindThinking:
			out = append(out, GeminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
		case KindToolUse:
			out = append(out, GeminiPart{
				FunctionCall:     &GeminiFunctionCall{ID: b.ToolUseID, Name: b.ToolName, Args: b.ToolInput},
				ThoughtSignature: b.Signature,
			})
		case KindToolResult:
			resp := map[string]interface{}{"result": b.ToolOutput}
			out = append(out, GeminiPart{FunctionResponse: &GeminiFunctionResponse{Name: b.ToolResultForID, Response: resp}})
		case KindImage:
			out = append(out, GeminiPart{InlineData: &GeminiInlineData{MimeType: b.ImageMediaType, Data: b.ImageData}})
		}
	}
	return out
}
