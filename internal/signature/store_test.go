package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutRejectsShortSignature(t *testing.T) {
	s := New(nil)
	ok := s.Put(PutRequest{Signature: "short", Content: "hello world"})
	require.False(t, ok, "signatures below the validity floor must be rejected")
}

func TestGetByContentRoundTrip(t *testing.T) {
	s := New(nil)
	sig := "this-is-a-long-enough-signature-value"
	ok := s.Put(PutRequest{
		Signature: sig,
		Content:   "let me think about this carefully",
		OwnerID:   "owner-a",
	})
	require.True(t, ok)

	got, found := s.GetByContent("let me think about this carefully", "owner-a")
	require.True(t, found)
	require.Equal(t, sig, got)
}

func TestOwnerIsolation(t *testing.T) {
	s := New(nil)
	sig := "owned-by-user-a-signature-value-here"
	s.Put(PutRequest{Signature: sig, Content: "shared prefix text", OwnerID: "user-a"})

	_, found := s.GetByContent("shared prefix text", "user-b")
	require.False(t, found, "an entry owned by user-a must not be visible to user-b")

	got, found := s.GetByContent("shared prefix text", "user-a")
	require.True(t, found)
	require.Equal(t, sig, got)
}

func TestGetRecentOwnerFiltering(t *testing.T) {
	s := New(nil)
	s.Put(PutRequest{Signature: "unowned-signature-value-long-enough", Content: "no owner here"})
	s.Put(PutRequest{Signature: "owned-signature-value-long-enough-x", Content: "owner text", OwnerID: "user-a"})

	// An owned query must not see the null-owner entry, and vice versa.
	_, found := s.GetRecent(time.Hour, "")
	require.True(t, found)

	sig, found := s.GetRecent(time.Hour, "user-a")
	require.True(t, found)
	require.Equal(t, "owned-signature-value-long-enough-x", sig)
}

func TestGetByToolIDAndSessionFingerprint(t *testing.T) {
	s := New(nil)
	s.Put(PutRequest{
		Signature:          "a-valid-signature-for-tool-lookup-test",
		Content:            "",
		ToolID:             "call_abc123",
		SessionFingerprint: "fp-hash-xyz",
		OwnerID:            "owner-1",
	})

	sig, found := s.GetByToolID("call_abc123", "owner-1")
	require.True(t, found)
	require.Equal(t, "a-valid-signature-for-tool-lookup-test", sig)

	sig, found = s.GetBySessionFingerprint("fp-hash-xyz", "owner-1")
	require.True(t, found)
	require.Equal(t, "a-valid-signature-for-tool-lookup-test", sig)
}

func TestCleanupExpired(t *testing.T) {
	s := New(nil)
	s.Put(PutRequest{Signature: "about-to-expire-signature-value-here", Content: "x", ClientType: ClientCLI})

	// Only the negative case is checked here: a fresh entry is well inside
	// its TTL, so a cleanup pass must not remove it.
	removed := s.CleanupExpired()
	require.Equal(t, 0, removed, "a freshly written entry should not be expired yet")
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	s := New(nil)
	s.Put(PutRequest{Signature: "tracked-signature-value-long-enough", Content: "tracked content"})

	_, _ = s.GetByContent("tracked content", "")
	_, _ = s.GetByContent("does not exist", "")

	stats := s.StatsSnapshot()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Writes)
}

func TestGlobalSingletonReplace(t *testing.T) {
	first := InitGlobal(nil)
	require.Same(t, first, Global())

	second := InitGlobal(nil)
	require.Same(t, second, Global())
	require.NotSame(t, first, second)
}
