// Package stream implements the streaming translator: a small state
// machine that consumes a backend adapter's normalized upstream.Event
// stream and drives a client-dialect Writer, capturing thinking signatures
// into the signature store as they pass through.
package stream

import (
	"context"
	"strings"

	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/thinkcodec"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

var log = logging.For("stream")

// state names the five positions in the per-response state machine.
type state int

const (
	stateIdle state = iota
	stateThinking
	stateText
	stateToolUse
	stateFinished
)

// Writer is implemented once per downstream dialect (OpenAI SSE, Anthropic
// SSE, Gemini SSE, the NDJSON IDE protocol, or a plain in-memory
// accumulator for non-streaming responses) and driven by Translator.Run.
// Every method may be called zero or more times in the order the state
// machine permits; implementations must not assume a fixed call count.
type Writer interface {
	ThinkingStart() error
	ThinkingDelta(text string) error
	ThinkingStop(signature string, redacted bool) error
	TextStart() error
	TextDelta(text string) error
	TextStop() error
	ToolUse(id, name string, args map[string]interface{}) error
	Finish(reason string, usage translate.Usage) error
	Error(message string) error
}

// CaptureMeta carries the keys the signature store should index a captured
// signature under; all fields are optional. EncodeIDs
// additionally turns on thinking-id tunneling: tool-call ids emitted
// downstream carry the last captured signature appended via the codec, for
// clients known to round-trip ids verbatim.
type CaptureMeta struct {
	OwnerID            string
	SessionFingerprint string
	ModelFamily        string
	ClientType         signature.ClientType
	EncodeIDs          bool
}

// Result summarizes what one Run produced, for callers (the router, for
// retry decisions, and the conversation state manager, for history updates)
// that need the assembled content rather than just the side effects.
type Result struct {
	Message      translate.Message // role=assistant, content in arrival order
	FinishReason string
	Usage        translate.Usage
	LastToolUse  string // the last tool_use id received, as sent upstream (before any codec encoding)
	LastSignature string
	QuotaFraction *float64
	Err          error // non-nil if the stream ended in EventError
}

// Translator runs the per-response state machine once per call to Run; it
// holds no state across responses, so one Translator value can be reused
// (or a fresh one built per request - both are fine, it is a plain struct).
type Translator struct {
	store *signature.Store
	meta  CaptureMeta
}

// New builds a Translator. store may be nil, in which case signature
// capture is a no-op (the translator still drives Writer correctly).
func New(store *signature.Store, meta CaptureMeta) *Translator {
	return &Translator{store: store, meta: meta}
}

// Run drives w from events until the channel closes or ctx is canceled.
// Cancellation aborts reading at the next event boundary: partial
// signatures already captured into the store are left in place so a later
// request can recover them.
func (t *Translator) Run(ctx context.Context, events <-chan upstream.Event, w Writer) Result {
	st := stateIdle
	res := Result{Message: translate.Message{Role: translate.RoleAssistant}}

	var thinkingBuf strings.Builder
	var pendingSignature string
	var toolIDAwaitingSignature string

	flushThinking := func() {
		if st != stateThinking {
			return
		}
		text := thinkingBuf.String()
		_ = w.ThinkingStop(pendingSignature, false)
		res.Message.Content = append(res.Message.Content, translate.Block{
			Kind: translate.KindThinking, Thinking: text, Signature: pendingSignature,
		})
		if pendingSignature != "" && t.store != nil {
			t.store.Put(signature.PutRequest{
				Signature:          pendingSignature,
				Content:            text,
				SessionFingerprint: t.meta.SessionFingerprint,
				OwnerID:            t.meta.OwnerID,
				ModelFamily:        t.meta.ModelFamily,
				ClientType:         t.meta.ClientType,
			})
			res.LastSignature = pendingSignature
		}
		thinkingBuf.Reset()
		pendingSignature = ""
	}

	flushText := func(text string) {
		if st != stateText {
			return
		}
		_ = w.TextStop()
		if text != "" {
			res.Message.Content = append(res.Message.Content, translate.Block{Kind: translate.KindText, Text: text})
		}
	}

	var textBuf strings.Builder

loop:
	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("stream canceled by client disconnect")
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case upstream.EventThinkingDelta:
				if st != stateThinking {
					flushText(textBuf.String())
					textBuf.Reset()
					_ = w.ThinkingStart()
					st = stateThinking
				}
				thinkingBuf.WriteString(ev.Text)
				_ = w.ThinkingDelta(ev.Text)

			case upstream.EventSignature:
				// May arrive standalone (no thought flag). If we
				// are mid-thinking, attach to the open block; otherwise
				// attach to the most recently closed tool_use so a
				// tool-id-indexed recovery can find it.
				if st == stateThinking {
					pendingSignature = ev.Signature
				} else if toolIDAwaitingSignature != "" && t.store != nil {
					t.store.Put(signature.PutRequest{
						Signature:   ev.Signature,
						ToolID:      toolIDAwaitingSignature,
						OwnerID:     t.meta.OwnerID,
						ModelFamily: t.meta.ModelFamily,
						ClientType:  t.meta.ClientType,
					})
					res.LastSignature = ev.Signature
				}

			case upstream.EventTextDelta:
				if st == stateThinking {
					flushThinking()
				}
				if st != stateText {
					_ = w.TextStart()
					st = stateText
				}
				textBuf.WriteString(ev.Text)
				_ = w.TextDelta(ev.Text)

			case upstream.EventToolCall:
				if st == stateThinking {
					flushThinking()
				} else if st == stateText {
					flushText(textBuf.String())
					textBuf.Reset()
				}
				st = stateToolUse
				// Index the preceding thinking block's signature under this
				// tool id so an adjacent-tool-use recovery can find it, and
				// tunnel it through the emitted id for id-preserving clients.
				if res.LastSignature != "" && t.store != nil {
					t.store.Put(signature.PutRequest{
						Signature:   res.LastSignature,
						ToolID:      ev.ToolCallID,
						OwnerID:     t.meta.OwnerID,
						ModelFamily: t.meta.ModelFamily,
						ClientType:  t.meta.ClientType,
					})
				}
				emitID := ev.ToolCallID
				if t.meta.EncodeIDs && res.LastSignature != "" {
					emitID = thinkcodec.Encode(ev.ToolCallID, res.LastSignature)
				}
				_ = w.ToolUse(emitID, ev.ToolName, ev.ToolArgs)
				res.Message.Content = append(res.Message.Content, translate.Block{
					Kind: translate.KindToolUse, ToolUseID: ev.ToolCallID, ToolName: ev.ToolName, ToolInput: ev.ToolArgs,
				})
				res.LastToolUse = ev.ToolCallID
				toolIDAwaitingSignature = ev.ToolCallID

			case upstream.EventFinish:
				if st == stateThinking {
					flushThinking()
				} else if st == stateText {
					flushText(textBuf.String())
					textBuf.Reset()
				}
				st = stateFinished
				res.FinishReason = ev.FinishReason
				res.Usage = translate.Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
				res.QuotaFraction = ev.QuotaFraction
				_ = w.Finish(ev.FinishReason, res.Usage)
				break loop

			case upstream.EventError:
				if st == stateThinking {
					flushThinking()
				} else if st == stateText {
					flushText(textBuf.String())
					textBuf.Reset()
				}
				st = stateFinished
				res.Err = &UpstreamError{Message: ev.ErrMessage, StatusCode: ev.StatusCode, Retryable: ev.Retryable, RetryAfterSeconds: ev.RetryAfter}
				_ = w.Error(ev.ErrMessage)
				break loop
			}
		}
	}

	if st != stateFinished {
		// Stream end without a finish-reason observed: synthesize one.
		if st == stateThinking {
			flushThinking()
		} else if st == stateText {
			flushText(textBuf.String())
		}
		if res.Err == nil {
			log.Warn().Msg("stream ended without an explicit finish event; synthesizing one")
			res.FinishReason = "stop"
			_ = w.Finish("stop", res.Usage)
		}
	}

	return res
}

// UpstreamError wraps a mid-stream upstream failure with the classification
// data the router needs to decide retry/advance.
type UpstreamError struct {
	Message           string
	StatusCode        int
	Retryable         bool
	RetryAfterSeconds int
}

func (e *UpstreamError) Error() string { return e.Message }
