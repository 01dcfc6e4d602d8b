// Package clienttype classifies the inbound client from its request headers
// and exposes the per-client policy table that drives sanitization, id
// encoding, cross-pool fallback, and cache TTL decisions elsewhere in the
// gateway. One enum plus one table, replacing the long if-else
// classification chains the proxy lineage accumulated.
package clienttype

import (
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/thinkcodec"
)

// Gin context keys the classification middleware populates; defined here so
// both the middleware and the handlers can reference them without importing
// each other.
const (
	CtxClientType = "gw_client_type"
	CtxOwnerID    = "gw_owner_id"
)

// Policy is the per-client-type behavior bundle.
type Policy struct {
	// NeedsSanitization: false only for clients known to round-trip
	// assistant history byte-perfectly, where the sanitizer can be skipped
	// for latency. Everything unknown gets sanitized.
	NeedsSanitization bool
	// SupportsIDEncoding: the client preserves long tool-call ids verbatim,
	// so a signature can be tunneled through them.
	SupportsIDEncoding bool
	// AggressiveFallback: the client gracefully accepts degraded models, so
	// the credential manager may cross model families when the primary pool
	// is exhausted.
	AggressiveFallback bool
	// SignatureTTL selects the signature-store client class (CLI vs IDE
	// lifetime).
	SignatureTTL signature.ClientType
	// ConversationTTL bounds how long the conversation state manager keeps
	// this client's authoritative history alive between turns.
	ConversationTTL time.Duration
}

var policies = map[string]Policy{
	thinkcodec.ClientTerminal: {
		NeedsSanitization:  true,
		SupportsIDEncoding: true,
		AggressiveFallback: true,
		SignatureTTL:       signature.ClientCLI,
		ConversationTTL:    time.Hour,
	},
	thinkcodec.ClientOpenAISDK: {
		NeedsSanitization:  true,
		SupportsIDEncoding: true,
		AggressiveFallback: false,
		SignatureTTL:       signature.ClientCLI,
		ConversationTTL:    time.Hour,
	},
	thinkcodec.ClientIDEInline: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		AggressiveFallback: false,
		SignatureTTL:       signature.ClientIDE,
		ConversationTTL:    2 * time.Hour,
	},
	thinkcodec.ClientIDEExt: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		AggressiveFallback: false,
		SignatureTTL:       signature.ClientIDE,
		ConversationTTL:    2 * time.Hour,
	},
	thinkcodec.ClientIDENDJSON: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		AggressiveFallback: false,
		SignatureTTL:       signature.ClientIDE,
		ConversationTTL:    2 * time.Hour,
	},
	thinkcodec.ClientUnknown: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		AggressiveFallback: false,
		SignatureTTL:       signature.ClientCLI,
		ConversationTTL:    time.Hour,
	},
}

// PolicyFor returns the policy for a client type, defaulting to the unknown
// row for anything unrecognized.
func PolicyFor(clientType string) Policy {
	if p, ok := policies[clientType]; ok {
		return p
	}
	return policies[thinkcodec.ClientUnknown]
}

// Detect classifies the caller from its fingerprint headers. The forwarded
// user-agent wins over the transport-level one: several IDE extensions call
// through an embedded HTTP stack whose own UA says nothing about the editor.
func Detect(h http.Header) string {
	if name := h.Get("X-Client-Name"); name != "" {
		if t := fromClientName(name); t != thinkcodec.ClientUnknown {
			return t
		}
	}
	ua := h.Get("X-Forwarded-User-Agent")
	if ua == "" {
		ua = h.Get("User-Agent")
	}
	return fromUserAgent(ua)
}

func fromClientName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "terminal", "cli":
		return thinkcodec.ClientTerminal
	case "ide-inline", "inline":
		return thinkcodec.ClientIDEInline
	case "ide-ext", "extension":
		return thinkcodec.ClientIDEExt
	case "ide-ndjson", "ndjson":
		return thinkcodec.ClientIDENDJSON
	default:
		return thinkcodec.ClientUnknown
	}
}

func fromUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "claude-cli"), strings.Contains(lower, "terminal"):
		return thinkcodec.ClientTerminal
	case strings.Contains(lower, "openai"):
		return thinkcodec.ClientOpenAISDK
	case strings.Contains(lower, "vscode"), strings.Contains(lower, "extension"):
		return thinkcodec.ClientIDEExt
	case strings.Contains(lower, "inline"), strings.Contains(lower, "copilot"):
		return thinkcodec.ClientIDEInline
	case strings.Contains(lower, "ndjson"), strings.Contains(lower, "augment"):
		return thinkcodec.ClientIDENDJSON
	default:
		return thinkcodec.ClientUnknown
	}
}
