package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBackendsFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_BACKENDS", "CLAUDE_MAIN, GEMINI_FALLBACK")
	t.Setenv("CLAUDE_MAIN_BASE_URL", "https://claude.example.com")
	t.Setenv("CLAUDE_MAIN_API_FORMAT", "anthropic")
	t.Setenv("CLAUDE_MAIN_MODELS", "claude-opus,claude-sonnet")
	t.Setenv("GEMINI_FALLBACK_BASE_URLS", "https://g1.example.com,https://g2.example.com")
	t.Setenv("GEMINI_FALLBACK_API_FORMAT", "gemini")
	t.Setenv("GEMINI_FALLBACK_PRIORITY", "5")

	cfg := Load()
	require.Len(t, cfg.Backends, 2)

	claude := cfg.Backends[0]
	require.Equal(t, "claude_main", claude.Key)
	require.Equal(t, "anthropic", claude.APIFormat)
	require.Equal(t, []string{"claude-opus", "claude-sonnet"}, claude.Models)
	require.True(t, claude.AcceptsModel("claude-opus"))
	require.False(t, claude.AcceptsModel("gpt-4"))

	gemini := cfg.Backends[1]
	require.Equal(t, []string{"https://g1.example.com", "https://g2.example.com"}, gemini.BaseURLs)
	require.Equal(t, 5, gemini.Priority)
	require.True(t, gemini.AcceptsModel("anything"), "empty model list is a wildcard")
}

func TestBackendWithoutBaseURLSkipped(t *testing.T) {
	t.Setenv("GATEWAY_BACKENDS", "BROKEN")
	cfg := Load()
	require.Empty(t, cfg.Backends)
}

func TestValidateRejectsBadFormat(t *testing.T) {
	cfg := &Config{
		Port: 8080,
		Backends: []BackendConfig{{
			Key: "x", APIFormat: "soap", BaseURLs: []string{"http://x"},
		}},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateKeys(t *testing.T) {
	cfg := &Config{
		Port: 8080,
		Backends: []BackendConfig{
			{Key: "dup", APIFormat: "openai"},
			{Key: "dup", APIFormat: "openai"},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestRetryBudgetParsing(t *testing.T) {
	t.Setenv("RETRY_429_BUDGETS", "quota=5, capacity=3")
	cfg := Load()
	require.Equal(t, 5, cfg.Retry429Budgets["quota"])
	require.Equal(t, 3, cfg.Retry429Budgets["capacity"])
}
