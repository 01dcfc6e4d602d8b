package usage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFamily(t *testing.T) {
	require.Equal(t, "claude", Family("claude-opus-4"))
	require.Equal(t, "gemini", Family("gemini-2.5-pro"))
	require.Equal(t, "openai", Family("gpt-4o"))
	require.Equal(t, "other", Family("mystery-model"))
}

func TestShortName(t *testing.T) {
	require.Equal(t, "opus-4", ShortName("claude-opus-4", "claude"))
	require.Equal(t, "2.5-pro", ShortName("gemini-2.5-pro", "gemini"))
	require.Equal(t, "mystery-model", ShortName("mystery-model", "other"))
}

func TestEstimateTokensNeverZeroForText(t *testing.T) {
	r := New(nil, nil)
	n := r.EstimateTokens("a reasonably long sentence that certainly contains several tokens")
	require.Greater(t, n, 0)
}
