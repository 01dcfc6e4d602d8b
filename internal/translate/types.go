// Package translate implements the format translator: bidirectional
// conversion among OpenAI chat-completions, Anthropic messages, and the
// internal Gemini-native representation. The internal representation is a
// closed tagged union rather than per-dialect structs duplicated per
// direction, so hot paths switch on a kind instead of probing untyped maps.
package translate

// BlockKind tags a content Block's variant.
type BlockKind int

const (
	KindText BlockKind = iota
	KindThinking
	KindToolUse
	KindToolResult
	KindImage
)

// Block is the tagged union of content-block shapes every dialect can
// produce. Only the fields relevant to Kind are meaningful; callers must
// switch on Kind rather than probe fields.
type Block struct {
	Kind BlockKind

	// KindText
	Text string

	// KindThinking
	Thinking  string
	Signature string
	Redacted  bool

	// KindToolUse
	ToolUseID   string
	ToolName    string
	ToolInput   map[string]interface{}

	// KindToolResult
	ToolResultForID string
	ToolOutput      interface{} // string or []Block (text/image sub-parts)
	ToolIsError     bool

	// KindImage
	ImageMediaType string
	ImageData      string // base64, never re-encoded across translations
	ImageURL       string
}

// Role distinguishes the two roles the normalized representation carries;
// system prompts are pulled out separately (see Message.System upstream of
// this, handled at the Request level).
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

// Message is one turn in the normalized conversation.
type Message struct {
	Role    Role
	Content []Block
}

// Tool is a dialect-neutral tool declaration.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]interface{} // JSON schema for the tool's input
}

// ThinkingConfig carries the thinking/reasoning budget request, present on
// the normalized Request only when thinking is requested.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// Request is the normalized, dialect-neutral request the sanitizer hands to
// the translator and the translator hands to a backend adapter.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	Tools      []Tool
	MaxTokens  int
	Thinking   ThinkingConfig
	Stream     bool
	Temperature *float64
}

// ModelFamily is the upstream dialect family a model name belongs to; it
// drives thinking-signature compatibility checks and thinking-config mapping.
type ModelFamily string

const (
	FamilyClaude  ModelFamily = "claude"
	FamilyGemini  ModelFamily = "gemini"
	FamilyOpenAI  ModelFamily = "openai"
	FamilyUnknown ModelFamily = "unknown"
)
