package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireSkipsDisabledAndCoolingDown(t *testing.T) {
	m := NewManager(&RoundRobinPolicy{}, 0.1, nil)
	c1 := NewCredential("c1", "backend-a", "claude", "tok1")
	c2 := NewCredential("c2", "backend-a", "claude", "tok2")
	m.Add(c1)
	m.Add(c2)

	m.ReportFailure(c1, "model-x", FailureAuth, 0)
	got := m.Acquire("backend-a", "model-x")
	require.NotNil(t, got)
	require.Equal(t, "c2", got.ID)
}

func TestReportFailureQuotaSetsCooldown(t *testing.T) {
	m := NewManager(&RoundRobinPolicy{}, 0.1, nil)
	c1 := NewCredential("c1", "backend-a", "claude", "tok1")
	m.Add(c1)

	m.ReportFailure(c1, "model-x", FailureQuotaExhausted, time.Hour)
	got := m.Acquire("backend-a", "model-x")
	require.Nil(t, got, "credential in cooldown for model-x must not be selected")

	got = m.Acquire("backend-a", "model-y")
	require.NotNil(t, got, "cooldown is per-model, model-y must still be acquirable")
}

func TestAcquireReturnsNilWhenPoolEmpty(t *testing.T) {
	m := NewManager(&RoundRobinPolicy{}, 0.1, nil)
	require.Nil(t, m.Acquire("nonexistent", "model-x"))
}

func TestNonAggressiveClientGetsNoCrossFamilyFallback(t *testing.T) {
	m := NewManager(&RoundRobinPolicy{}, 0.1, map[string][]string{"claude": {"gemini"}})
	c := NewCredential("c-gemini", "backend-a", "gemini", "tok")
	m.Add(c)

	got, model := m.AcquireWithFallback("backend-a", "claude-model", "claude", ClientPolicy{AggressiveFallback: false}, nil, func(f string) string { return "gemini-model" })
	require.Nil(t, got)
	require.Equal(t, "claude-model", model)
}

func TestAggressiveClientGetsCrossFamilyFallback(t *testing.T) {
	m := NewManager(&RoundRobinPolicy{}, 0.1, map[string][]string{"claude": {"gemini"}})
	c := NewCredential("c-gemini", "backend-a", "gemini", "tok")
	m.Add(c)

	got, model := m.AcquireWithFallback("backend-a", "claude-model", "claude", ClientPolicy{AggressiveFallback: true}, nil, func(f string) string {
		if f == "gemini" {
			return "gemini-model"
		}
		return ""
	})
	require.NotNil(t, got)
	require.Equal(t, "gemini-model", model)
}

func TestTokenBucketRefundAfterFailedRequest(t *testing.T) {
	tr := NewTokenBucketTracker(TokenBucketConfig{MaxTokens: 2, TokensPerMinute: 60, InitialTokens: 2})
	tr.Consume("acct")
	tr.Consume("acct")
	require.False(t, tr.HasTokens("acct"))

	tr.Refund("acct")
	require.True(t, tr.HasTokens("acct"))
}
