package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"

	"github.com/kunaaal13/pdftochat/llm"
)

var rewriterTracer = otel.Tracer("pdftochat.pipeline.rewriter")

// =============================================================================
// Prompt Template
// =============================================================================

// condenseTemplate turns the latest question plus prior history into a
// single standalone search query. Order matters: history first, then the
// question, then the instruction.
var condenseTemplate = prompts.NewPromptTemplate(
	`Conversation so far:
{{.chat_history}}

Follow-up question: {{.question}}

Rewrite the follow-up question as a single, self-contained search query that
captures what should be looked up in the document given the conversation so
far. Reply with the query only, no explanation.`,
	[]string{"chat_history", "question"},
)

// =============================================================================
// Query Rewriter
// =============================================================================

// rewriteMaxTokens bounds the rewritten query; a search query never needs
// more.
const rewriteMaxTokens = 256

// QueryRewriter produces a standalone search query from conversation
// history plus the newest question, using a single low-temperature model
// call.
type QueryRewriter struct {
	client llm.LLMClient
}

// NewQueryRewriter creates a rewriter backed by the given model client.
func NewQueryRewriter(client llm.LLMClient) *QueryRewriter {
	if client == nil {
		panic("NewQueryRewriter: client must not be nil")
	}
	return &QueryRewriter{client: client}
}

// Rewrite returns a non-empty standalone query for the given question.
//
// With no prior history there is nothing to condition on, so the question is
// returned verbatim without a model call. Otherwise one model call is made;
// failure or empty output is an *UpstreamModelError and is not retried here.
func (r *QueryRewriter) Rewrite(ctx context.Context, history []Turn, question string) (string, error) {
	ctx, span := rewriterTracer.Start(ctx, "QueryRewriter.Rewrite")
	defer span.End()

	if len(history) == 0 {
		slog.Debug("No prior history, using question as search query")
		return question, nil
	}

	prompt, err := condenseTemplate.Format(map[string]any{
		"chat_history": formatHistory(history),
		"question":     question,
	})
	if err != nil {
		return "", &UpstreamModelError{Stage: "rewrite", Err: fmt.Errorf("format prompt: %w", err)}
	}

	temp := float32(0.1)
	maxTokens := rewriteMaxTokens
	start := time.Now()
	raw, err := r.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		slog.Error("Query rewrite model call failed", "error", err)
		return "", &UpstreamModelError{Stage: "rewrite", Err: err}
	}

	query := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if query == "" {
		slog.Error("Query rewrite returned empty output")
		return "", &UpstreamModelError{Stage: "rewrite", Err: fmt.Errorf("model returned empty query")}
	}

	slog.Debug("Rewrote question into standalone query",
		"duration_ms", time.Since(start).Milliseconds(),
		"query_len", len(query),
	)
	return query, nil
}

// formatHistory renders turns as "role: content" lines in their original
// order, exactly as supplied by the caller.
func formatHistory(history []Turn) string {
	var b strings.Builder
	for i, turn := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(turn.PromptRole())
		b.WriteString(": ")
		b.WriteString(turn.Content)
	}
	return b.String()
}
