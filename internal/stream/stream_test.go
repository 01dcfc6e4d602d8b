package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// recordingWriter captures the call sequence for order assertions.
type recordingWriter struct {
	NoopWriter
	calls   []string
	toolIDs []string
}

func (w *recordingWriter) ThinkingStart() error { w.calls = append(w.calls, "thinking_start"); return nil }
func (w *recordingWriter) ThinkingStop(sig string, _ bool) error {
	w.calls = append(w.calls, "thinking_stop:"+sig)
	return nil
}
func (w *recordingWriter) TextStart() error { w.calls = append(w.calls, "text_start"); return nil }
func (w *recordingWriter) TextStop() error  { w.calls = append(w.calls, "text_stop"); return nil }
func (w *recordingWriter) ToolUse(id, name string, _ map[string]interface{}) error {
	w.calls = append(w.calls, "tool_use:"+name)
	w.toolIDs = append(w.toolIDs, id)
	return nil
}
func (w *recordingWriter) Finish(reason string, _ translate.Usage) error {
	w.calls = append(w.calls, "finish:"+reason)
	return nil
}

func feed(events ...upstream.Event) <-chan upstream.Event {
	ch := make(chan upstream.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

const testSig = "signature-long-enough-to-pass-floor"

func TestRunThinkingThenTextThenFinish(t *testing.T) {
	w := &recordingWriter{}
	res := New(nil, CaptureMeta{}).Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventThinkingDelta, Text: "hmm "},
		upstream.Event{Kind: upstream.EventThinkingDelta, Text: "okay"},
		upstream.Event{Kind: upstream.EventSignature, Signature: testSig},
		upstream.Event{Kind: upstream.EventTextDelta, Text: "answer"},
		upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop", OutputTokens: 7},
	), w)

	require.Equal(t, []string{"thinking_start", "thinking_stop:" + testSig, "text_start", "text_stop", "finish:stop"}, w.calls)
	require.NoError(t, res.Err)
	require.Equal(t, "stop", res.FinishReason)
	require.Len(t, res.Message.Content, 2)
	require.Equal(t, "hmm okay", res.Message.Content[0].Thinking)
	require.Equal(t, testSig, res.Message.Content[0].Signature)
	require.Equal(t, "answer", res.Message.Content[1].Text)
	require.Equal(t, 7, res.Usage.OutputTokens)
}

func TestRunCapturesSignatureIntoStore(t *testing.T) {
	store := signature.New(nil)
	tr := New(store, CaptureMeta{OwnerID: "owner-1", ModelFamily: "claude"})
	tr.Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventThinkingDelta, Text: "deep thought"},
		upstream.Event{Kind: upstream.EventSignature, Signature: testSig},
		upstream.Event{Kind: upstream.EventFinish, FinishReason: "stop"},
	), NoopWriter{})

	got, ok := store.GetByContent("deep thought", "owner-1")
	require.True(t, ok)
	require.Equal(t, testSig, got)

	_, ok = store.GetByContent("deep thought", "other-owner")
	require.False(t, ok)
}

func TestRunEncodesToolIDWithSignature(t *testing.T) {
	store := signature.New(nil)
	w := &recordingWriter{}
	tr := New(store, CaptureMeta{EncodeIDs: true, ModelFamily: "claude"})
	res := tr.Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventThinkingDelta, Text: "plan"},
		upstream.Event{Kind: upstream.EventSignature, Signature: testSig},
		upstream.Event{Kind: upstream.EventToolCall, ToolCallID: "call_abc", ToolName: "read_file", ToolArgs: map[string]interface{}{"path": "/x"}},
		upstream.Event{Kind: upstream.EventFinish, FinishReason: "tool_calls"},
	), w)

	require.Equal(t, []string{"call_abc__thought__" + testSig}, w.toolIDs)
	// The assembled history keeps the raw id.
	require.Equal(t, "call_abc", res.LastToolUse)

	// And the signature is recoverable by the raw tool id.
	got, ok := store.GetByToolID("call_abc", "")
	require.True(t, ok)
	require.Equal(t, testSig, got)
}

func TestRunStandaloneSignatureAfterToolCall(t *testing.T) {
	store := signature.New(nil)
	tr := New(store, CaptureMeta{})
	tr.Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventToolCall, ToolCallID: "call_1", ToolName: "search", ToolArgs: nil},
		upstream.Event{Kind: upstream.EventSignature, Signature: testSig},
		upstream.Event{Kind: upstream.EventFinish, FinishReason: "tool_calls"},
	), NoopWriter{})

	got, ok := store.GetByToolID("call_1", "")
	require.True(t, ok)
	require.Equal(t, testSig, got)
}

func TestRunSynthesizesFinishOnBareStreamEnd(t *testing.T) {
	w := &recordingWriter{}
	res := New(nil, CaptureMeta{}).Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventTextDelta, Text: "partial"},
	), w)

	require.Equal(t, "stop", res.FinishReason)
	require.Equal(t, "finish:stop", w.calls[len(w.calls)-1])
	require.Equal(t, "partial", res.Message.Content[0].Text)
}

func TestRunErrorEndsStream(t *testing.T) {
	res := New(nil, CaptureMeta{}).Run(context.Background(), feed(
		upstream.Event{Kind: upstream.EventTextDelta, Text: "he"},
		upstream.Event{Kind: upstream.EventError, ErrMessage: "boom", StatusCode: 502, Retryable: true},
	), NoopWriter{})

	require.Error(t, res.Err)
	ue, ok := res.Err.(*UpstreamError)
	require.True(t, ok)
	require.Equal(t, 502, ue.StatusCode)
	require.True(t, ue.Retryable)
}

func TestAdjustThinkingBudget(t *testing.T) {
	cases := []struct {
		name                    string
		budget, maxTokens       int
		wantBudget, wantMaxToks int
	}{
		{"budget equals cap", 32000, 32000, 32000 - 1024, 32000 - 1024 + 1024},
		{"small budget raises max", 2000, 100, 2000, 16384},
		{"already sane", 4096, 20000, 4096, 20000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, m := AdjustThinkingBudget(tc.budget, tc.maxTokens, DefaultHardCap, DefaultMinOutputTokens, DefaultMinMaxTokens)
			require.Equal(t, tc.wantBudget, b)
			require.Equal(t, tc.wantMaxToks, m)
			require.LessOrEqual(t, b+DefaultMinOutputTokens, DefaultHardCap)
			require.GreaterOrEqual(t, m, b+DefaultMinOutputTokens)
		})
	}
}
