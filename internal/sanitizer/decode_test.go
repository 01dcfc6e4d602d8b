package sanitizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/translate"
)

func TestDecodeToolIDsRoundTrip(t *testing.T) {
	const sig = "tunneled-signature-value-long-enough"
	messages := []translate.Message{
		{Role: translate.RoleAssistant, Content: []translate.Block{
			{Kind: translate.KindThinking, Thinking: "planning the call"},
			{Kind: translate.KindToolUse, ToolUseID: "call_abc__thought__" + sig, ToolName: "read_file"},
		}},
		{Role: translate.RoleUser, Content: []translate.Block{
			{Kind: translate.KindToolResult, ToolResultForID: "call_abc__thought__" + sig},
		}},
	}

	out := DecodeToolIDs(messages)

	require.Equal(t, "call_abc", out[0].Content[1].ToolUseID)
	require.Equal(t, "call_abc", out[1].Content[0].ToolResultForID)
	// The tunneled signature lands on the preceding unsigned thinking block.
	require.Equal(t, sig, out[0].Content[0].Signature)
	// The input is not mutated.
	require.Contains(t, messages[0].Content[1].ToolUseID, "__thought__")
}

func TestDecodeToolIDsLeavesPlainIDsAlone(t *testing.T) {
	messages := []translate.Message{
		{Role: translate.RoleAssistant, Content: []translate.Block{
			{Kind: translate.KindToolUse, ToolUseID: "call_plain", ToolName: "search"},
		}},
	}
	out := DecodeToolIDs(messages)
	require.Equal(t, "call_plain", out[0].Content[0].ToolUseID)
}
