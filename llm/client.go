// Package llm provides clients for language-model backends. All backends
// implement LLMClient so the pipeline stays agnostic of the provider.
package llm

import (
	"context"

	"github.com/kunaaal13/pdftochat/datatypes"
)

// GenerationParams tunes a single generation call. Nil pointer fields mean
// "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEvent is one fragment produced during a streaming chat call.
type StreamEvent struct {
	// Content is the text fragment. May be empty on the final event.
	Content string

	// Done is true exactly once, on the event that terminates a
	// successful stream.
	Done bool
}

// StreamCallback receives fragments in generation order. Returning a non-nil
// error aborts the stream (used on client disconnect).
type StreamCallback func(event StreamEvent) error

// LLMClient is the standard interface for any LLM backend.
//
// Generate issues a single-shot completion for an assembled prompt; the
// query rewriter uses it. ChatStream issues a streaming chat completion
// over an ordered message list and invokes the callback once per fragment;
// the answer synthesizer uses it. Both must respect context cancellation.
//
// Implementations must be safe for concurrent use: one client handle is
// shared process-wide and never mutated after construction.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
