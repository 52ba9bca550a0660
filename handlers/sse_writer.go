package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunaaal13/pdftochat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Streaming handlers emit keepalives and tokens from different goroutines.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response. Id and
	// CreatedAt are auto-set; the event is flushed immediately.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteToken writes a token event with the given content.
	WriteToken(content string) error

	// WriteError writes an error event. The stream should be closed after
	// this event; the message must already be sanitized for the client.
	WriteError(errMsg string) error

	// WriteDone writes the final event indicating successful completion,
	// carrying the chat id for multi-turn continuity.
	WriteDone(chatID string) error

	// WriteKeepAlive sends an SSE comment line (": ping\n\n") to keep the
	// connection alive through load balancer idle timeouts. Comments are
	// ignored by SSE clients.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// Thread-safe via mutex; cannot be reused across requests. The caller must
// have set SSE headers before the first write.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter doesn't support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response. Populates Id and
// CreatedAt, serializes to JSON, writes in SSE format and flushes.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "status",
		Message: message,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "token",
		Content: content,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(chatID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:   "done",
		ChatId: chatID,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming. Must be
// called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
