package sanitizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/thinkcodec"
	"github.com/relaygate/gateway/internal/translate"
)

func TestSanitizeDropsUnsignedThinkingAndDisablesThinking(t *testing.T) {
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true, BudgetTokens: 1024},
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "unsigned musing"},
				{Kind: translate.KindText, Text: "the answer"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.Equal(t, 1, res.DroppedThinking)
	require.True(t, res.ThinkingDisabled)
	require.False(t, res.Request.Thinking.Enabled)
	// The thinking text survives as a plain text block; nothing is
	// silently discarded.
	require.Len(t, res.Request.Messages[0].Content, 2)
	require.Equal(t, translate.KindText, res.Request.Messages[0].Content[0].Kind)
	require.Equal(t, "unsigned musing", res.Request.Messages[0].Content[0].Text)
	require.Equal(t, "the answer", res.Request.Messages[0].Content[1].Text)
}

func TestSanitizeRecoversSignatureFromStoreByContent(t *testing.T) {
	store := signature.New(nil)
	store.Put(signature.PutRequest{
		Signature:  "recovered-signature-0001",
		Content:    "thinking about it",
		ClientType: signature.ClientCLI,
	})

	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true},
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "thinking about it"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, store, "", RecoveryContext{})
	require.Equal(t, 0, res.DroppedThinking)
	require.Equal(t, "recovered-signature-0001", res.Request.Messages[0].Content[0].Signature)
}

func TestSanitizeStripsOrphanedToolResult(t *testing.T) {
	req := translate.Request{
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.Block{
				{Kind: translate.KindToolResult, ToolResultForID: "never-issued", ToolOutput: "x"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.Equal(t, 1, res.StrippedOrphans)
	// The emptied turn is coerced to a placeholder text block rather than
	// shipped as an empty message.
	require.Len(t, res.Request.Messages[0].Content, 1)
	require.Equal(t, translate.KindText, res.Request.Messages[0].Content[0].Kind)
}

func TestSanitizeKeepsToolResultWithMatchingToolUse(t *testing.T) {
	req := translate.Request{
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindToolUse, ToolUseID: "call_1", ToolName: "search"},
			}},
			{Role: translate.RoleUser, Content: []translate.Block{
				{Kind: translate.KindToolResult, ToolResultForID: "call_1", ToolOutput: "ok"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.Equal(t, 0, res.StrippedOrphans)
	require.Len(t, res.Request.Messages[1].Content, 1)
}

func TestSanitizeDropsCrossFamilySignatureForGeminiTarget(t *testing.T) {
	store := signature.New(nil)
	store.Put(signature.PutRequest{
		Signature:   "claude-origin-signature-01",
		ToolID:      "call_2",
		ModelFamily: "claude",
		ClientType:  signature.ClientCLI,
	})

	req := translate.Request{
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindToolUse, ToolUseID: "call_2", ToolName: "search", Signature: "claude-origin-signature-01"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyGemini, store, "", RecoveryContext{})
	require.Empty(t, res.Request.Messages[0].Content[0].Signature, "cross-family signature must be stripped for a Gemini target")
}

func TestSanitizeRecoversSignatureFromConversationContext(t *testing.T) {
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true},
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "unsigned, recover via context"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, signature.New(nil), "", RecoveryContext{LastSignature: "ctx-signature-0001"})
	require.Equal(t, 0, res.DroppedThinking)
	require.Equal(t, "ctx-signature-0001", res.Request.Messages[0].Content[0].Signature)
}

func TestSanitizeRecoversSignatureFromEncodedToolID(t *testing.T) {
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true},
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "unsigned, recover via encoded tool id"},
				{Kind: translate.KindToolUse, ToolUseID: "call_3" + thinkcodec.Separator + "encoded-signature-0001", ToolName: "search"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, signature.New(nil), "", RecoveryContext{})
	require.Equal(t, 0, res.DroppedThinking)
	require.True(t, res.Request.Thinking.Enabled)
	require.Equal(t, "encoded-signature-0001", res.Request.Messages[0].Content[0].Signature)
}

func TestSanitizeDowngradesHistoricalSignedThinking(t *testing.T) {
	historicalSig := "historical-signature-from-a-dead-session"
	latestSig := "latest-turn-signature-still-valid-here"
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true},
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.Block{{Kind: translate.KindText, Text: "q1"}}},
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "old musing", Signature: historicalSig},
				{Kind: translate.KindText, Text: "a1"},
			}},
			{Role: translate.RoleUser, Content: []translate.Block{{Kind: translate.KindText, Text: "q2"}}},
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "fresh musing", Signature: latestSig},
				{Kind: translate.KindText, Text: "a2"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})

	// The historical turn's thinking is downgraded to text even though its
	// inline signature looked valid; only the latest turn keeps thinking.
	historical := res.Request.Messages[1]
	require.Equal(t, translate.KindText, historical.Content[0].Kind)
	require.Equal(t, "old musing", historical.Content[0].Text)
	require.Empty(t, historical.Content[0].Signature)

	latest := res.Request.Messages[3]
	require.Equal(t, translate.KindThinking, latest.Content[0].Kind)
	require.Equal(t, latestSig, latest.Content[0].Signature)
	require.True(t, res.Request.Thinking.Enabled)
	require.Equal(t, 1, res.DroppedThinking)
}

func TestSanitizeDisablesThinkingWhenLatestAssistantIsPlainText(t *testing.T) {
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true, BudgetTokens: 2048},
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.Block{{Kind: translate.KindText, Text: "q1"}}},
			{Role: translate.RoleAssistant, Content: []translate.Block{{Kind: translate.KindText, Text: "plain reply"}}},
			{Role: translate.RoleUser, Content: []translate.Block{{Kind: translate.KindText, Text: "continue"}}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.True(t, res.ThinkingDisabled)
	require.False(t, res.Request.Thinking.Enabled)
	require.Equal(t, 0, res.DroppedThinking)
}

func TestSanitizeKeepsValidSignatureUnchanged(t *testing.T) {
	req := translate.Request{
		Messages: []translate.Message{
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "ok", Signature: "already-valid-signature"},
			}},
		},
	}
	res := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.Equal(t, 0, res.DroppedThinking)
	require.Equal(t, "already-valid-signature", res.Request.Messages[0].Content[0].Signature)
}

func TestSanitizeIdempotent(t *testing.T) {
	req := translate.Request{
		Thinking: translate.ThinkingConfig{Enabled: true, BudgetTokens: 512},
		Messages: []translate.Message{
			{Role: translate.RoleUser, Content: []translate.Block{
				{Kind: translate.KindText, Text: "question"},
				{Kind: translate.KindToolResult, ToolResultForID: "orphan", ToolOutput: "x"},
			}},
			{Role: translate.RoleAssistant, Content: []translate.Block{
				{Kind: translate.KindThinking, Thinking: "unsigned"},
				{Kind: translate.KindText, Text: "answer"},
			}},
		},
	}
	once := Sanitize(req, translate.FamilyClaude, nil, "", RecoveryContext{})
	twice := Sanitize(once.Request, translate.FamilyClaude, nil, "", RecoveryContext{})
	require.Equal(t, once.Request, twice.Request)
	require.Zero(t, twice.StrippedOrphans)
	require.Zero(t, twice.DroppedThinking)
}
