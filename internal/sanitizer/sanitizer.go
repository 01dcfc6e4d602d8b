// Package sanitizer implements the message sanitizer: six-layer
// thinking-signature recovery, tool-chain integrity enforcement, and
// block-field hygiene, operating on the translate package's tagged-union
// Request/Message/Block so none of this logic ever walks raw
// map[string]interface{} content.
//
// Recovery here is strictly best-effort: a cached signature is only valid
// upstream by coincidence, so the terminal fallback is always to drop the
// offending thinking content to plain text and disable thinking for the
// rest of the request, never to fabricate conversation turns the client
// did not send.
package sanitizer

import (
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/thinkcodec"
	"github.com/relaygate/gateway/internal/translate"
)

var log = logging.For("sanitizer")

// Result reports what the sanitizer had to do to a request, so callers can
// decide whether to log at a louder level or surface a client-visible note.
// DroppedThinking counts thinking blocks downgraded to plain text (their
// text is preserved; only the thinking framing and signature are lost).
type Result struct {
	Request          translate.Request
	DroppedThinking  int
	StrippedOrphans  int
	ThinkingDisabled bool
}

// RecoveryContext supplies the caller-held state the signature recovery
// layers beyond content-hash/tool-id need: the conversation's last known
// signature (from the conversation state manager) and a session fingerprint derived
// from client identity headers. Every field is optional; a zero-value
// RecoveryContext disables the layers it would have fed.
type RecoveryContext struct {
	SessionFingerprint string
	LastSignature      string
}

// Sanitize runs the full six-layer pipeline against req for delivery to a
// backend of the given target family. store is consulted for signature
// recovery; it may be nil, in which case those layers become no-ops and any
// block missing an inline signature is treated as unsigned.
func Sanitize(req translate.Request, targetFamily translate.ModelFamily, store *signature.Store, ownerID string, ctx RecoveryContext) Result {
	res := Result{Request: req}

	// Layer 1: block-field hygiene - drop cache-control and other
	// passthrough fields that a block of the wrong kind should never carry.
	res.Request.Messages = hygieneLayer(res.Request.Messages)

	// Layer 2: tool-chain integrity - every tool_result must reference a
	// tool_use the model actually issued earlier. Orphaned results are
	// stripped rather than sent to a backend that will reject them; tool_use
	// blocks are never removed.
	res.Request.Messages, res.StrippedOrphans = enforceToolChainIntegrity(res.Request.Messages)

	// Layers 3+4: thinking handling, split by position. Historical
	// assistant turns are downgraded unconditionally - their signatures
	// were minted in an earlier upstream session and are never valid again,
	// so carrying them only provokes an invalid-signature rejection. The
	// latest assistant turn gets the full recovery ladder before its
	// unsigned blocks are downgraded.
	res.Request.Messages, res.DroppedThinking = processThinking(res.Request.Messages, store, ownerID, ctx)

	// Layer 5: cross-family compatibility - when targetFamily is Gemini, any
	// signature (inline or recovered) whose recorded family differs from the
	// target, or which the store has no family for, is stripped, since
	// Gemini rejects foreign signatures outright. Other targets are left
	// unchanged by this layer. Runs after recovery (it needs the recovered
	// signatures to check family tags) and before the flag sync, so the sync
	// judges the signatures that will actually ship.
	res.Request.Messages = dropCrossFamilySignatures(res.Request.Messages, targetFamily, store)

	// Layer 6: thinking-flag sync. The invariant is positional: a
	// thinking-enabled request must have its last assistant message begin
	// with a signed thinking block. If there is a latest assistant turn and
	// it does not open that way (plain-text reply, recovered-nothing,
	// cross-family-stripped, or the client reordered blocks), thinking is
	// disabled for this request and any stray thinking left in that turn is
	// downgraded too.
	if res.Request.Thinking.Enabled {
		if idx := lastAssistantIndex(res.Request.Messages); idx >= 0 && !beginsWithSignedThinking(res.Request.Messages[idx]) {
			var n int
			res.Request.Messages[idx], n = downgradeThinking(res.Request.Messages[idx])
			res.DroppedThinking += n
			res.Request.Thinking.Enabled = false
			res.ThinkingDisabled = true
		}
	}

	// Final pass: a message left empty (or whitespace-only) by the layers
	// above is coerced to a minimal placeholder, since every backend in
	// scope rejects empty turns outright.
	res.Request.Messages = coerceEmptyMessages(res.Request.Messages)

	if res.StrippedOrphans > 0 {
		log.Warn().Int("count", res.StrippedOrphans).Msg("stripped orphaned tool blocks")
	}
	if res.DroppedThinking > 0 {
		log.Debug().Int("count", res.DroppedThinking).Bool("thinking_disabled", res.ThinkingDisabled).Msg("dropped unsigned thinking blocks")
	}
	return res
}

// hygieneLayer clears fields a block's Kind should never populate:
// clients routinely attach cache-control and other passthrough fields that
// at least one backend in scope rejects outright.
func hygieneLayer(messages []translate.Message) []translate.Message {
	out := make([]translate.Message, len(messages))
	for i, m := range messages {
		content := make([]translate.Block, len(m.Content))
		for j, b := range m.Content {
			content[j] = cleanBlock(b)
		}
		out[i] = translate.Message{Role: m.Role, Content: content}
	}
	return out
}

func cleanBlock(b translate.Block) translate.Block {
	switch b.Kind {
	case translate.KindText:
		return translate.Block{Kind: translate.KindText, Text: b.Text}
	case translate.KindThinking:
		return translate.Block{Kind: translate.KindThinking, Thinking: b.Thinking, Signature: b.Signature, Redacted: b.Redacted}
	case translate.KindToolUse:
		return translate.Block{Kind: translate.KindToolUse, ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput, Signature: b.Signature}
	case translate.KindToolResult:
		return translate.Block{Kind: translate.KindToolResult, ToolResultForID: b.ToolResultForID, ToolOutput: b.ToolOutput, ToolIsError: b.ToolIsError}
	case translate.KindImage:
		return translate.Block{Kind: translate.KindImage, ImageMediaType: b.ImageMediaType, ImageData: b.ImageData, ImageURL: b.ImageURL}
	default:
		return b
	}
}

// enforceToolChainIntegrity drops tool_result blocks with no matching
// tool_use earlier in the conversation. tool_use blocks without a result,
// in the final assistant turn or anywhere else, are left in place.
func enforceToolChainIntegrity(messages []translate.Message) ([]translate.Message, int) {
	issuedToolIDs := map[string]bool{}
	stripped := 0
	out := make([]translate.Message, 0, len(messages))

	for _, m := range messages {
		content := make([]translate.Block, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Kind == translate.KindToolUse {
				issuedToolIDs[b.ToolUseID] = true
			}
			if b.Kind == translate.KindToolResult && !issuedToolIDs[b.ToolResultForID] {
				stripped++
				continue
			}
			content = append(content, b)
		}
		out = append(out, translate.Message{Role: m.Role, Content: content})
	}
	return out, stripped
}

func isThinkingBlock(b translate.Block) bool {
	return b.Kind == translate.KindThinking
}

func hasValidSignature(b translate.Block) bool {
	return len(b.Signature) >= signature.MinSignatureLength
}

// processThinking walks assistant messages. Historical turns (everything
// before the latest assistant message) have their thinking blocks
// downgraded to plain text unconditionally, inline signature or not. Only
// the latest assistant turn runs the recovery ladder; its blocks that end
// up unsigned are likewise downgraded, never silently removed.
func processThinking(messages []translate.Message, store *signature.Store, ownerID string, ctx RecoveryContext) ([]translate.Message, int) {
	downgraded := 0
	latest := lastAssistantIndex(messages)
	out := make([]translate.Message, len(messages))

	for i, m := range messages {
		if m.Role != translate.RoleAssistant {
			out[i] = m
			continue
		}
		if i != latest {
			var n int
			out[i], n = downgradeThinking(m)
			downgraded += n
			continue
		}
		var n int
		out[i], n = recoverLatestThinking(m, store, ownerID, ctx)
		downgraded += n
	}
	return out, downgraded
}

// downgradeThinking converts every thinking block of m to a plain text
// block carrying the same text; empty thinking blocks are removed outright
// (a signature-only marker has nothing worth preserving once its signature
// is void). Returns the rewritten message and how many blocks it touched.
func downgradeThinking(m translate.Message) (translate.Message, int) {
	touched := 0
	content := make([]translate.Block, 0, len(m.Content))
	for _, b := range m.Content {
		if !isThinkingBlock(b) {
			content = append(content, b)
			continue
		}
		touched++
		if b.Thinking != "" {
			content = append(content, translate.Block{Kind: translate.KindText, Text: b.Thinking})
		}
	}
	return translate.Message{Role: m.Role, Content: content}, touched
}

// recoverLatestThinking keeps validly-signed thinking blocks, runs the
// recovery ladder for unsigned ones, and downgrades to text whatever ends
// the ladder empty-handed. The turn's tool-use ids are collected up front
// so a thinking block can recover from a tool call on either side of it.
func recoverLatestThinking(m translate.Message, store *signature.Store, ownerID string, ctx RecoveryContext) (translate.Message, int) {
	var toolUseIDs []string
	for _, b := range m.Content {
		if b.Kind == translate.KindToolUse {
			toolUseIDs = append(toolUseIDs, b.ToolUseID)
		}
	}

	downgraded := 0
	content := make([]translate.Block, 0, len(m.Content))
	for _, b := range m.Content {
		if !isThinkingBlock(b) {
			content = append(content, b)
			continue
		}
		if hasValidSignature(b) {
			content = append(content, b)
			continue
		}
		if store != nil {
			if recovered, ok := recoverSignature(store, b, ownerID, ctx, toolUseIDs); ok {
				b.Signature = recovered
				content = append(content, b)
				continue
			}
		}
		downgraded++
		if b.Thinking != "" {
			content = append(content, translate.Block{Kind: translate.KindText, Text: b.Thinking})
		}
	}
	return translate.Message{Role: m.Role, Content: content}, downgraded
}

// lastAssistantIndex returns the index of the last assistant message, or -1.
func lastAssistantIndex(messages []translate.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == translate.RoleAssistant {
			return i
		}
	}
	return -1
}

// beginsWithSignedThinking reports whether m's first block is a thinking
// block carrying a signature at or above the validity floor.
func beginsWithSignedThinking(m translate.Message) bool {
	return len(m.Content) > 0 && isThinkingBlock(m.Content[0]) && hasValidSignature(m.Content[0])
}

// recoverSignature implements the six-layer recovery order:
//  1. inline signature already valid (handled by the caller before this is reached)
//  2. conversation context: the state manager's last known signature for this
//     scid, the cheapest possible hit when a turn simply forgot to echo it back.
//  3. content hash: exact match against the thinking text itself.
//  4. tool-id: a signature recorded alongside a tool_use adjacent to this
//     thinking block in the same assistant turn.
//  5. encoded tool id: some clients round-trip the signature by tunneling it
//     through the tool_use id itself (thinkcodec.Encode); decode any of the
//     turn's tool ids as a second chance.
//  6. session fingerprint, then owner-scoped recency: last resort, widest match.
func recoverSignature(store *signature.Store, b translate.Block, ownerID string, ctx RecoveryContext, toolUseIDs []string) (string, bool) {
	if ctx.LastSignature != "" {
		return ctx.LastSignature, true
	}
	if b.Thinking != "" {
		if sig, ok := store.GetByContent(b.Thinking, ownerID); ok {
			return sig, true
		}
	}
	for _, id := range toolUseIDs {
		if sig, ok := store.GetByToolID(id, ownerID); ok {
			return sig, true
		}
	}
	for _, id := range toolUseIDs {
		if thinkcodec.HasSignature(id) {
			if _, sig := thinkcodec.Decode(id); sig != "" {
				return sig, true
			}
		}
	}
	if ctx.SessionFingerprint != "" {
		if sig, ok := store.GetBySessionFingerprint(ctx.SessionFingerprint, ownerID); ok {
			return sig, true
		}
	}
	if sig, ok := store.GetRecent(recentRecoveryWindow, ownerID); ok {
		return sig, true
	}
	return "", false
}

// recentRecoveryWindow bounds layer 6's owner-scoped recency fallback: wide
// enough to catch a signature from the same burst of turns, narrow enough
// that it never hands a completely unrelated conversation's signature to a
// backend that will bind it to the wrong content.
const recentRecoveryWindow = 5 * time.Minute

// emptyTurnPlaceholder stands in for a message the sanitizer emptied out.
const emptyTurnPlaceholder = "."

func coerceEmptyMessages(messages []translate.Message) []translate.Message {
	out := make([]translate.Message, len(messages))
	for i, m := range messages {
		if hasRenderableContent(m) {
			out[i] = m
			continue
		}
		out[i] = translate.Message{Role: m.Role, Content: []translate.Block{
			{Kind: translate.KindText, Text: emptyTurnPlaceholder},
		}}
	}
	return out
}

func hasRenderableContent(m translate.Message) bool {
	for _, b := range m.Content {
		switch b.Kind {
		case translate.KindText:
			if strings.TrimSpace(b.Text) != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// dropCrossFamilySignatures strips a thinking or tool_use block's signature
// (but keeps the block itself as plain content) when the signature was
// recorded against a different model family than targetFamily. Claude can
// validate its own signatures regardless of origin tagging, so this only
// applies when targetFamily is Gemini.
func dropCrossFamilySignatures(messages []translate.Message, targetFamily translate.ModelFamily, store *signature.Store) []translate.Message {
	if targetFamily != translate.FamilyGemini || store == nil {
		return messages
	}
	out := make([]translate.Message, len(messages))
	for i, m := range messages {
		content := make([]translate.Block, len(m.Content))
		for j, b := range m.Content {
			if b.Signature != "" {
				if family, ok := store.SignatureFamily(b.Signature); !ok || family != string(targetFamily) {
					b.Signature = ""
				}
			}
			content[j] = b
		}
		out[i] = translate.Message{Role: m.Role, Content: content}
	}
	return out
}
