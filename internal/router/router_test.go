package router

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/backend"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

func localChain(events func() <-chan upstream.Event) (*Router, *credential.Manager) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{{
			Key:       "local",
			BaseURLs:  []string{"http://in-process"},
			APIFormat: "anthropic",
			Enabled:   true,
			Local:     true,
		}},
	}
	creds := credential.NewManager(nil, 0, nil)
	handler := func(ctx context.Context, req translate.Request) (<-chan upstream.Event, error) {
		return events(), nil
	}
	return New(cfg, creds, signature.New(nil), &http.Client{}, backend.LocalHandler(handler)), creds
}

func successEvents() <-chan upstream.Event {
	ch := make(chan upstream.Event, 2)
	ch <- upstream.Event{Kind: upstream.EventTextDelta, Text: "ok"}
	ch <- upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop"}
	close(ch)
	return ch
}

func TestInvokeLocalBackendSucceeds(t *testing.T) {
	r, _ := localChain(successEvents)
	outcome, failures, err := r.Invoke(context.Background(), translate.Request{Model: "claude-x"}, ClientContext{})
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Equal(t, "local", outcome.BackendKey)
	require.Equal(t, translate.FamilyClaude, outcome.Family)

	var texts []string
	for e := range outcome.Events {
		if e.Kind == upstream.EventTextDelta {
			texts = append(texts, e.Text)
		}
	}
	require.Equal(t, []string{"ok"}, texts)
}

func TestInvokeNoBackendForModel(t *testing.T) {
	cfg := &config.Config{Backends: []config.BackendConfig{{
		Key: "narrow", BaseURLs: []string{"http://x"}, APIFormat: "openai",
		Enabled: true, Models: []string{"only-this-model"},
	}}}
	r := New(cfg, credential.NewManager(nil, 0, nil), signature.New(nil), &http.Client{}, nil)
	_, _, err := r.Invoke(context.Background(), translate.Request{Model: "something-else"}, ClientContext{})
	require.Error(t, err)
}

func TestInvokeChainExhaustionEnumeratesFailures(t *testing.T) {
	errEvents := func() <-chan upstream.Event {
		ch := make(chan upstream.Event, 1)
		ch <- upstream.Event{Kind: upstream.EventError, ErrMessage: "invalid request", StatusCode: 400}
		close(ch)
		return ch
	}
	r, _ := localChain(errEvents)
	outcome, failures, err := r.Invoke(context.Background(), translate.Request{Model: "claude-x"}, ClientContext{})
	require.Error(t, err)
	require.Nil(t, outcome)
	require.Len(t, failures, 1)
	require.Equal(t, "local", failures[0].BackendKey)
	require.Contains(t, failures[0].Reason, "invalid request")
}

func TestResolveChainPrefersRoutingRule(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{
			{Key: "primary", BaseURLs: []string{"http://p"}, APIFormat: "anthropic", Enabled: true, Priority: 0},
			{Key: "fallback", BaseURLs: []string{"http://f"}, APIFormat: "gemini", Enabled: true, Priority: 1},
		},
		Routing: []config.RoutingRule{{
			Pattern: "claude-*",
			Chain: []config.RoutingStep{
				{BackendKey: "primary"},
				{BackendKey: "fallback", TargetModel: "gemini-flash"},
			},
		}},
	}
	r := New(cfg, credential.NewManager(nil, 0, nil), signature.New(nil), &http.Client{}, nil)

	hops := r.resolveChain("claude-opus")
	require.Len(t, hops, 2)
	require.Equal(t, "primary", hops[0].cfg.Key)
	require.Equal(t, "claude-opus", hops[0].targetModel)
	require.Equal(t, "fallback", hops[1].cfg.Key)
	require.Equal(t, "gemini-flash", hops[1].targetModel)
}

func TestResolveChainFallsBackToPriorityOrder(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{
			{Key: "b", BaseURLs: []string{"http://b"}, APIFormat: "openai", Enabled: true, Priority: 2},
			{Key: "a", BaseURLs: []string{"http://a"}, APIFormat: "openai", Enabled: true, Priority: 1},
			{Key: "off", BaseURLs: []string{"http://off"}, APIFormat: "openai", Enabled: false, Priority: 0},
		},
	}
	r := New(cfg, credential.NewManager(nil, 0, nil), signature.New(nil), &http.Client{}, nil)
	hops := r.resolveChain("any-model")
	require.Len(t, hops, 2)
	require.Equal(t, "a", hops[0].cfg.Key)
	require.Equal(t, "b", hops[1].cfg.Key)
}
