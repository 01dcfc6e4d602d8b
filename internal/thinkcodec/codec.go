// Package thinkcodec implements the thinking-ID codec: smuggling a thinking
// signature through a tool-call id round trip for clients that preserve ids
// verbatim. Deliberately a leaf package of pure functions: it depends on
// neither the signature store nor the sanitizer, so either side of the
// round trip can use it without an import cycle.
package thinkcodec

import "strings"

// Separator is the fixed magic substring unlikely to appear in a natural
// tool-call id. encode appends after it; decode splits on its first
// occurrence, so an id that happens to contain the separator still
// round-trips correctly.
const Separator = "__thought__"

// Encode embeds signature into toolID. If signature is empty, toolID is
// returned unchanged so clients that never carry a signature see no change
// in shape.
func Encode(toolID, signature string) string {
	if signature == "" {
		return toolID
	}
	return toolID + Separator + signature
}

// Decode splits an encoded id back into its tool id and optional signature.
// Splitting on the first occurrence (rather than the last) means a toolID
// that itself contains the separator as a natural substring still decodes
// to the original id, because encode only ever appends one separator.
func Decode(encoded string) (toolID string, signature string) {
	idx := strings.Index(encoded, Separator)
	if idx < 0 {
		return encoded, ""
	}
	return encoded[:idx], encoded[idx+len(Separator):]
}

// HasSignature reports whether encoded carries an embedded signature.
func HasSignature(encoded string) bool {
	return strings.Contains(encoded, Separator)
}

// ClientSupportsEncoding reports whether the given client type is known to
// preserve long tool-call ids verbatim across a round trip. IDE clients that
// mangle or re-issue ids are excluded; other recovery paths handle them.
func ClientSupportsEncoding(clientType string) bool {
	switch clientType {
	case ClientTerminal, ClientOpenAISDK:
		return true
	default:
		return false
	}
}

// Known client types, used both here and by the sanitizer/conversation
// manager's per-client-type policy table.
const (
	ClientTerminal  = "terminal"   // e.g. a CLI coding assistant
	ClientOpenAISDK = "openai-sdk" // generic OpenAI-SDK based caller
	ClientIDEInline = "ide-inline" // inline-completion IDE
	ClientIDEExt    = "ide-ext"    // editor extension
	ClientIDENDJSON = "ide-ndjson" // custom NDJSON-streaming IDE
	ClientUnknown   = "unknown"
)
