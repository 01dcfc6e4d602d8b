package convo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/translate"
)

func userMsg(text string) translate.Message {
	return translate.Message{Role: translate.RoleUser, Content: []translate.Block{{Kind: translate.KindText, Text: text}}}
}

func assistantMsg(text string) translate.Message {
	return translate.Message{Role: translate.RoleAssistant, Content: []translate.Block{{Kind: translate.KindText, Text: text}}}
}

func TestDeriveSCIDStableAcrossTurns(t *testing.T) {
	turn1 := translate.Request{Messages: []translate.Message{userMsg("hello there")}}
	turn2 := translate.Request{Messages: []translate.Message{userMsg("hello there"), assistantMsg("hi"), userMsg("continue")}}
	require.Equal(t, DeriveSCID(turn1), DeriveSCID(turn2))
}

func TestDeriveSCIDDistinctConversations(t *testing.T) {
	a := translate.Request{Messages: []translate.Message{userMsg("topic a")}}
	b := translate.Request{Messages: []translate.Message{userMsg("topic b")}}
	require.NotEqual(t, DeriveSCID(a), DeriveSCID(b))
}

func TestMergeReturnsNetNewSuffix(t *testing.T) {
	m := New(time.Hour)
	history := []translate.Message{userMsg("q1"), assistantMsg("a1")}
	m.UpdateAuthoritativeHistory("scid-1", history, "")

	client := []translate.Message{userMsg("q1"), assistantMsg("a1"), userMsg("q2")}
	netNew := m.MergeWithClientHistory("scid-1", client)
	require.Len(t, netNew, 1)
	require.Equal(t, "q2", netNew[0].Content[0].Text)
}

func TestMergeIgnoresClientMangledSignatures(t *testing.T) {
	m := New(time.Hour)
	signed := translate.Message{Role: translate.RoleAssistant, Content: []translate.Block{
		{Kind: translate.KindThinking, Thinking: "plan", Signature: "server-side-signature"},
		{Kind: translate.KindText, Text: "a1"},
	}}
	m.UpdateAuthoritativeHistory("scid-1", []translate.Message{userMsg("q1"), signed}, "server-side-signature")

	// The client replays the same turn with the signature stripped; it must
	// still match the authoritative prefix.
	stripped := translate.Message{Role: translate.RoleAssistant, Content: []translate.Block{
		{Kind: translate.KindThinking, Thinking: "plan"},
		{Kind: translate.KindText, Text: "a1"},
	}}
	netNew := m.MergeWithClientHistory("scid-1", []translate.Message{userMsg("q1"), stripped, userMsg("q2")})
	require.Len(t, netNew, 1)
	require.Equal(t, "q2", netNew[0].Content[0].Text)
}

func TestLastSignatureRoundTrip(t *testing.T) {
	m := New(time.Hour)
	_, ok := m.LastSignature("scid-1")
	require.False(t, ok)

	m.UpdateAuthoritativeHistory("scid-1", []translate.Message{userMsg("q")}, "sig-value-long-enough")
	sig, ok := m.LastSignature("scid-1")
	require.True(t, ok)
	require.Equal(t, "sig-value-long-enough", sig)
}

func TestCleanupExpired(t *testing.T) {
	m := New(time.Millisecond)
	m.GetOrCreate("scid-old", "terminal")
	time.Sleep(5 * time.Millisecond)
	removed := m.CleanupExpired()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, m.Size())
}
