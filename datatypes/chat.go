// Package datatypes holds the wire-level request, response and event types
// shared by the chat handlers and the pipeline.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation Setup
// =============================================================================

// maxContentBytes caps a single message body. Keeps prompt assembly bounded.
const maxContentBytes = 32 * 1024

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	if err := chatValidate.RegisterValidation("maxbytes", validateMaxBytes); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validator: %v", err))
	}
}

// validateMaxBytes enforces a byte-length cap on string fields.
// validator's max tag counts runes, so multi-byte content could
// exceed the intended buffer size without this.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= maxContentBytes
}

// =============================================================================
// Request Types
// =============================================================================

// Message is one raw conversation turn as supplied by the caller.
//
// Role is an open string: "user" and "assistant" are the recognized values,
// anything else is preserved verbatim and mapped to a labeled turn by the
// history normalizer. Order within a request is significant and is never
// rearranged by the server.
type Message struct {
	Role    string `json:"role" validate:"required,max=64"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatRequest is the body of POST /v1/chat.
//
// ChatId identifies the chat session and doubles as the vector-index
// namespace: retrieval for this request is scoped exclusively to chunks
// indexed under ChatId. Messages must contain at least the new user
// question; any prior turns come first, in conversation order. Conversations
// longer than 100 turns should be summarized client-side.
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	ChatId   string    `json:"chatId" validate:"required,max=256"`
}

// Validate checks structural constraints on the request.
//
// # Outputs
//
//   - error: Non-nil if any field violates its constraints. The error text is
//     safe to log but should not be echoed to clients verbatim.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("chat request validation failed: %w", err)
	}
	return nil
}

// =============================================================================
// Response Types
// =============================================================================

// SourceInfo is one entry of the source manifest exposed alongside the
// streamed answer. Excerpt is the chunk's content truncated to 50 characters
// plus an ellipsis marker; Metadata is the chunk's metadata map, passed
// through unchanged. Entries are never mutated after creation.
type SourceInfo struct {
	Excerpt  string         `json:"excerpt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StreamEvent is a single SSE payload on the answer stream.
//
// Type is one of "status", "token", "done" or "error". Token events carry
// Content; the concatenation of all token Content fields equals the full
// answer. A stream ends with exactly one done event (clean completion,
// ChatId set) or one error event (terminal failure, Error set), never both.
type StreamEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ChatId    string `json:"chat_id,omitempty"`
	Id        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}
