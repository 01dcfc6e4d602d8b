package sanitizer

import (
	"github.com/relaygate/gateway/internal/thinkcodec"
	"github.com/relaygate/gateway/internal/translate"
)

// DecodeToolIDs undoes the thinking-id tunneling on an inbound request:
// every tool_use and tool_result id carrying an encoded signature is
// rewritten to its raw id, and the extracted signature is attached to the
// nearest unsigned thinking block in the same assistant turn (the block the
// signature was emitted for, since encode only ever tunnels the signature
// of the thinking that preceded the call). Runs once per request, before
// the per-hop Sanitize passes, so the rest of the pipeline only ever sees
// raw ids.
func DecodeToolIDs(messages []translate.Message) []translate.Message {
	out := make([]translate.Message, len(messages))
	for i, m := range messages {
		content := make([]translate.Block, len(m.Content))
		copy(content, m.Content)

		for j, b := range content {
			switch b.Kind {
			case translate.KindToolUse:
				raw, sig := thinkcodec.Decode(b.ToolUseID)
				if sig == "" {
					continue
				}
				content[j].ToolUseID = raw
				attachSignature(content[:j], sig)
			case translate.KindToolResult:
				raw, sig := thinkcodec.Decode(b.ToolResultForID)
				if sig == "" {
					continue
				}
				content[j].ToolResultForID = raw
			}
		}
		out[i] = translate.Message{Role: m.Role, Content: content}
	}
	return out
}

// attachSignature sets sig on the last unsigned thinking block among
// preceding, if any.
func attachSignature(preceding []translate.Block, sig string) {
	for j := len(preceding) - 1; j >= 0; j-- {
		if preceding[j].Kind == translate.KindThinking && preceding[j].Signature == "" {
			preceding[j].Signature = sig
			return
		}
	}
}
