package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kunaaal13/pdftochat/datatypes"
	"github.com/kunaaal13/pdftochat/llm"
	"github.com/kunaaal13/pdftochat/retrieval"
)

var synthesizerTracer = otel.Tracer("pdftochat.pipeline.synthesizer")

// =============================================================================
// Prompt Template
// =============================================================================

// groundedSystemTemplate is the system prompt for answer synthesis. The
// retrieved chunks go into the labeled context block; the model must answer
// only from that block, admit ignorance rather than fabricate, decline
// unrelated questions, and format with markdown for rendering.
var groundedSystemTemplate = prompts.NewPromptTemplate(
	`You are a helpful assistant answering questions about a specific document.

Use only the following pieces of context to answer the question. If the
answer is not in the context, say you don't know. Do not make anything up.
If the question is not related to the context, politely respond that you can
only answer questions related to this document.

<context>
{{.context}}
</context>

Format your answer in markdown, using headings and lists where they help.`,
	[]string{"context"},
)

// noContextMessage is streamed verbatim when retrieval returns nothing, so
// the model is never asked to answer from an empty context block.
const noContextMessage = "I couldn't find any relevant context in this document for your question. " +
	"Try rephrasing, or ask about something the document covers."

// =============================================================================
// Answer Synthesizer
// =============================================================================

// AnswerSynthesizer turns retrieved chunks, prior history and the new
// question into a streamed, grounded answer.
type AnswerSynthesizer struct {
	client llm.LLMClient
}

// NewAnswerSynthesizer creates a synthesizer backed by the given model
// client.
func NewAnswerSynthesizer(client llm.LLMClient) *AnswerSynthesizer {
	if client == nil {
		panic("NewAnswerSynthesizer: client must not be nil")
	}
	return &AnswerSynthesizer{client: client}
}

// Synthesize starts the streaming model call and returns its AnswerStream.
//
// The returned stream only exists because retrieval has already completed:
// the orchestrator calls Synthesize strictly after Search returns, so no
// fragment can ever be produced against a partial chunk set.
//
// The producer goroutine writes fragments in generation order and ends the
// stream with either a clean close or a terminal error. If the stream cannot
// even be established the first callback never fires and the stream fails
// with an *UpstreamModelError.
//
// With zero chunks the model is not called at all; a fixed no-context answer
// is streamed instead.
func (s *AnswerSynthesizer) Synthesize(ctx context.Context, chunks []retrieval.Chunk, history []Turn, question string) (*AnswerStream, error) {
	ctx, span := synthesizerTracer.Start(ctx, "AnswerSynthesizer.Synthesize")
	span.SetAttributes(attribute.Int("synthesis.chunk_count", len(chunks)))

	stream := NewAnswerStream()

	if len(chunks) == 0 {
		slog.Info("No relevant chunks retrieved, streaming no-context answer")
		go func() {
			defer span.End()
			if err := stream.Push(ctx, noContextMessage); err != nil {
				stream.Fail(err)
				return
			}
			stream.Close()
		}()
		return stream, nil
	}

	messages, err := s.buildMessages(chunks, history, question)
	if err != nil {
		span.End()
		return nil, &UpstreamModelError{Stage: "synthesize", Err: err}
	}

	go func() {
		defer span.End()

		streamErr := s.client.ChatStream(ctx, messages, llm.GenerationParams{}, func(event llm.StreamEvent) error {
			if event.Done {
				return nil
			}
			return stream.Push(ctx, event.Content)
		})
		if streamErr != nil {
			span.RecordError(streamErr)
			slog.Error("Answer synthesis stream failed", "error", streamErr)
			stream.Fail(&UpstreamModelError{Stage: "synthesize", Err: streamErr})
			return
		}
		stream.Close()
	}()

	return stream, nil
}

// buildMessages assembles the prompt: system instructions with the labeled
// context block first, then the prior history in caller order, then the new
// question as the final user turn.
func (s *AnswerSynthesizer) buildMessages(chunks []retrieval.Chunk, history []Turn, question string) ([]datatypes.Message, error) {
	systemPrompt, err := groundedSystemTemplate.Format(map[string]any{
		"context": formatChunks(chunks),
	})
	if err != nil {
		return nil, fmt.Errorf("format system prompt: %w", err)
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{Role: "system", Content: systemPrompt})
	for _, turn := range history {
		messages = append(messages, datatypes.Message{Role: turn.PromptRole(), Content: turn.Content})
	}
	messages = append(messages, datatypes.Message{Role: "user", Content: question})
	return messages, nil
}

// formatChunks joins chunk contents into the context block, separated so
// chunk boundaries stay visible to the model.
func formatChunks(chunks []retrieval.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		parts = append(parts, chunk.Content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}
