package stream

import "github.com/relaygate/gateway/internal/translate"

// NoopWriter discards every call; Translator.Run already assembles the full
// Result.Message regardless of the Writer driven, so a non-streaming caller
// (one building a single final response body) runs the same state machine
// with NoopWriter instead of a dialect-specific live writer. There is
// exactly one assembly path, streaming or not.
type NoopWriter struct{}

func (NoopWriter) ThinkingStart() error                                 { return nil }
func (NoopWriter) ThinkingDelta(string) error                           { return nil }
func (NoopWriter) ThinkingStop(string, bool) error                      { return nil }
func (NoopWriter) TextStart() error                                     { return nil }
func (NoopWriter) TextDelta(string) error                               { return nil }
func (NoopWriter) TextStop() error                                      { return nil }
func (NoopWriter) ToolUse(string, string, map[string]interface{}) error { return nil }
func (NoopWriter) Finish(string, translate.Usage) error                 { return nil }
func (NoopWriter) Error(string) error                                   { return nil }
