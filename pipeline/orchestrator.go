// Package pipeline implements the conversational retrieval-augmented
// generation pipeline: query rewriting, namespace-scoped retrieval, grounded
// answer synthesis and the stream/manifest result envelope.
package pipeline

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kunaaal13/pdftochat/datatypes"
	"github.com/kunaaal13/pdftochat/llm"
	"github.com/kunaaal13/pdftochat/retrieval"
)

var orchestratorTracer = otel.Tracer("pdftochat.pipeline")

// =============================================================================
// States
// =============================================================================

// State is a pipeline phase. Transitions are strictly sequential
// (Received → Rewriting → Retrieving → Synthesizing → Streaming → Completed)
// with Failed reachable from any non-terminal state.
type State int

const (
	StateReceived State = iota
	StateRewriting
	StateRetrieving
	StateSynthesizing
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRewriting:
		return "rewriting"
	case StateRetrieving:
		return "retrieving"
	case StateSynthesizing:
		return "synthesizing"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Result
// =============================================================================

// Result is the terminal artifact of one request.
//
// Sources is finalized before Run returns: its length equals the number of
// chunks retrieval returned for this request, in the same order, regardless
// of how synthesis uses them. Stream keeps producing fragments after Run
// returns; TurnIndex is the number of prior turns plus one (the new user
// turn).
type Result struct {
	Stream    *AnswerStream
	Sources   []datatypes.SourceInfo
	TurnIndex int
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator sequences the pipeline components for one request at a time.
// One instance is shared across requests: all fields are read-only after
// construction, per-request state lives on the stack of Run.
type Orchestrator struct {
	rewriter    *QueryRewriter
	retriever   retrieval.Retriever
	synthesizer *AnswerSynthesizer
	topK        int
}

// NewOrchestrator wires the pipeline from a shared model client and a
// retriever. topK values < 1 fall back to the retriever default.
func NewOrchestrator(client llm.LLMClient, retriever retrieval.Retriever, topK int) *Orchestrator {
	if client == nil {
		panic("NewOrchestrator: client must not be nil")
	}
	if retriever == nil {
		panic("NewOrchestrator: retriever must not be nil")
	}
	return &Orchestrator{
		rewriter:    NewQueryRewriter(client),
		retriever:   retriever,
		synthesizer: NewAnswerSynthesizer(client),
		topK:        topK,
	}
}

// Run executes the pipeline for one request.
//
// # Inputs
//
//   - ctx: Request context; cancellation abandons in-flight model and
//     retrieval calls.
//   - chatID: Session id, also the retrieval namespace.
//   - messages: Full conversation including the new question as the last
//     element, in caller order.
//
// # Outputs
//
//   - *Result: Stream plus finalized source manifest. The manifest is
//     captured at the retrieving→synthesizing boundary, so it is complete
//     before the first answer fragment exists.
//   - error: *ValidationError, *retrieval.RetrievalError or
//     *UpstreamModelError. When err is non-nil no stream was started and
//     nothing was sent to the caller.
func (o *Orchestrator) Run(ctx context.Context, chatID string, messages []datatypes.Message) (*Result, error) {
	ctx, span := orchestratorTracer.Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("chat.message_count", len(messages)),
	)

	state := StateReceived

	fail := func(err error) (*Result, error) {
		slog.Error("Pipeline failed", "chat_id", chatID, "state", state.String(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, state.String())
		state = StateFailed
		return nil, err
	}

	turns, err := NormalizeHistory(messages)
	if err != nil {
		return fail(err)
	}
	prior := turns[:len(turns)-1]
	question := turns[len(turns)-1].Content
	turnIndex := len(prior) + 1

	state = advance(chatID, state, StateRewriting)
	query, err := o.rewriter.Rewrite(ctx, prior, question)
	if err != nil {
		return fail(err)
	}

	state = advance(chatID, state, StateRetrieving)
	chunks, err := o.retriever.Search(ctx, chatID, query, o.topK)
	if err != nil {
		return fail(err)
	}

	// The manifest is built here, at the retrieving→synthesizing boundary,
	// from the full chunk set. Synthesis cannot narrow or reorder it.
	sources := buildSourceManifest(chunks)

	state = advance(chatID, state, StateSynthesizing)
	stream, err := o.synthesizer.Synthesize(ctx, chunks, prior, question)
	if err != nil {
		return fail(err)
	}

	state = advance(chatID, state, StateStreaming)
	span.SetAttributes(attribute.Int("pipeline.source_count", len(sources)))

	return &Result{
		Stream:    stream,
		Sources:   sources,
		TurnIndex: turnIndex,
	}, nil
}

func advance(chatID string, from, to State) State {
	slog.Debug("Pipeline state transition",
		"chat_id", chatID,
		"from", from.String(),
		"to", to.String(),
	)
	return to
}

// =============================================================================
// Source Manifest
// =============================================================================

// excerptLength is the maximum number of characters of chunk content
// exposed in the manifest.
const excerptLength = 50

// ellipsisMarker terminates every excerpt, mirroring what the chat UI
// renders after a truncated snippet.
const ellipsisMarker = "..."

// buildSourceManifest derives one manifest entry per retrieved chunk,
// preserving retrieval order. Entries share the chunk's metadata map;
// chunks are read-only downstream so no copy is needed.
func buildSourceManifest(chunks []retrieval.Chunk) []datatypes.SourceInfo {
	sources := make([]datatypes.SourceInfo, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, datatypes.SourceInfo{
			Excerpt:  excerpt(chunk.Content),
			Metadata: chunk.Metadata,
		})
	}
	return sources
}

// excerpt returns the first excerptLength characters of content followed by
// the ellipsis marker. Truncation happens on rune boundaries so multi-byte
// content stays valid UTF-8 and the part before the marker is always a
// literal prefix of the chunk content.
func excerpt(content string) string {
	if utf8.RuneCountInString(content) > excerptLength {
		runes := []rune(content)
		content = string(runes[:excerptLength])
	}
	return content + ellipsisMarker
}
