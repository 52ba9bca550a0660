package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kunaaal13/pdftochat/datatypes"
	"github.com/kunaaal13/pdftochat/observability"
	"github.com/kunaaal13/pdftochat/pipeline"
	"github.com/kunaaal13/pdftochat/retrieval"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// headerMessageIndex carries the 1-based index of the answer turn in the
	// conversation, set before the first streamed byte.
	headerMessageIndex = "X-Message-Index"

	// headerSources carries the base64-encoded JSON source manifest, set
	// before the first streamed byte.
	headerSources = "X-Sources"
)

// =============================================================================
// Interface Definitions
// =============================================================================

// ChatPipeline is the pipeline surface the handler depends on. Satisfied by
// *pipeline.Orchestrator; narrowed to an interface so tests can substitute a
// scripted pipeline.
type ChatPipeline interface {
	Run(ctx context.Context, chatID string, messages []datatypes.Message) (*pipeline.Result, error)
}

// ChatHandler defines the contract for handling streaming chat HTTP requests.
//
// # Description
//
// ChatHandler abstracts the chat endpoint, enabling different implementations
// and facilitating testing via mocks. The single endpoint streams grounded
// answers over Server-Sent Events, with the source manifest and answer turn
// index delivered as response headers before the first body byte.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
type ChatHandler interface {
	// HandleChat processes POST /v1/chat requests.
	//
	// # Outputs
	//
	// Response headers (set before any body byte):
	//   - X-Message-Index: 1-based index of the answer turn
	//   - X-Sources: base64-encoded JSON array of source entries
	//
	// SSE stream with events:
	//   - status: Processing status updates
	//   - token: Answer fragments in generation order
	//   - done: Stream completion with chat id
	//   - error: Terminal failure mid-stream
	//
	// HTTP Status (before streaming starts):
	//   - 400 Bad Request: Invalid request body or validation failure
	//   - 502 Bad Gateway: Retrieval or model backend failure
	//   - 500 Internal Server Error: Manifest serialization or SSE setup failure
	HandleChat(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatHandler implements ChatHandler for production use.
//
// Thread-safe: all fields are read-only after construction, per-request
// state lives on the handler's stack.
type chatHandler struct {
	pipeline ChatPipeline
	tracer   trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatHandler creates a ChatHandler backed by the given pipeline.
// Panics if pipeline is nil (programming error).
func NewChatHandler(p ChatPipeline) ChatHandler {
	if p == nil {
		panic("NewChatHandler: pipeline must not be nil")
	}
	return &chatHandler{
		pipeline: p,
		tracer:   otel.Tracer("pdftochat.handlers.chat"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChat processes conversational document chat requests.
//
// # Description
//
// The flow is:
//  1. Parse and validate request body
//  2. Run the pipeline (rewrite, retrieve, start synthesis)
//  3. Serialize the source manifest and set response headers
//  4. Set SSE headers and create writer
//  5. Drain the answer stream as token events, with keepalive heartbeat
//  6. Emit done (or error) event
//
// Pipeline failures surface as HTTP errors because nothing has been written
// yet; failures after streaming begins surface as an SSE error event.
func (h *chatHandler) HandleChat(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChat

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Parse request body
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	span.SetAttributes(
		attribute.String("chat.id", req.ChatId),
		attribute.Int("chat.message_count", len(req.Messages)),
	)

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat request validation failed", "error", err, "chat_id", req.ChatId)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: Run the pipeline. On error nothing has been written yet, so
	// the failure maps cleanly to an HTTP status.
	result, err := h.pipeline.Run(ctx, req.ChatId, req.Messages)
	if err != nil {
		h.writePipelineError(c, span, endpoint, req.ChatId, err)
		return
	}

	span.SetAttributes(
		attribute.Int("chat.turn_index", result.TurnIndex),
		attribute.Int("chat.source_count", len(result.Sources)),
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSourcesReturned(endpoint, len(result.Sources))
	}

	// Step 4: Serialize the manifest and commit headers. After this point
	// all failures are in-band SSE events.
	manifest, err := encodeSourceManifest(result.Sources)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest serialization failed")
		slog.Error("Failed to serialize source manifest", "error", err, "chat_id", req.ChatId)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeSerialization)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize sources"})
		return
	}

	c.Header(headerMessageIndex, strconv.Itoa(result.TurnIndex))
	c.Header(headerSources, manifest)

	// Step 5: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err, "chat_id", req.ChatId)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Step 6: Emit status event
	if err := sseWriter.WriteStatus("Generating answer..."); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write status event", "error", err, "chat_id", req.ChatId)
		return
	}

	// Step 7: Start heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, sseWriter, heartbeatDone)

	// Step 8: Drain the answer stream as token events
	firstTokenTime := time.Time{}
	tokenCount := 0
	drainErr := func() error {
		for fragment := range result.Stream.Fragments() {
			if firstTokenTime.IsZero() {
				firstTokenTime = time.Now()
			}
			tokenCount++
			if err := sseWriter.WriteToken(fragment); err != nil {
				return err
			}
		}
		return result.Stream.Err()
	}()

	close(heartbeatDone)
	span.SetAttributes(attribute.Int("stream.token_count", tokenCount))

	if drainErr != nil {
		span.RecordError(drainErr)
		span.SetStatus(codes.Error, "streaming failed")
		slog.Error("Chat streaming failed",
			"error", drainErr,
			"chat_id", req.ChatId,
			"token_count", tokenCount,
		)
		if m := observability.DefaultMetrics; m != nil {
			if errors.Is(drainErr, context.Canceled) {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			} else {
				m.RecordError(endpoint, observability.ErrorCodeLLMError)
			}
		}
		_ = sseWriter.WriteError("Failed to generate answer")
		return
	}

	// Record time to first token
	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}

	// Step 9: Emit done event
	if err := sseWriter.WriteDone(req.ChatId); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "chat_id", req.ChatId)
		return
	}

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// =============================================================================
// Helper Functions
// =============================================================================

// writePipelineError maps a pipeline failure to an HTTP error response.
// Client-facing messages stay generic; details go to the log only.
func (h *chatHandler) writePipelineError(c *gin.Context, span trace.Span, endpoint observability.Endpoint, chatID string, err error) {
	span.RecordError(err)

	var status int
	var message string
	var errorCode observability.ErrorCode

	switch {
	case pipeline.IsValidationError(err):
		status = http.StatusBadRequest
		message = "invalid request: " + err.Error()
		errorCode = observability.ErrorCodeValidation
	case retrieval.IsRetrievalError(err):
		status = http.StatusBadGateway
		message = "failed to retrieve document context"
		errorCode = observability.ErrorCodeRetrieval
	case pipeline.IsUpstreamModelError(err):
		status = http.StatusBadGateway
		message = "model backend unavailable"
		errorCode = observability.ErrorCodeLLMError
	default:
		status = http.StatusInternalServerError
		message = "internal error"
		errorCode = observability.ErrorCodeInternal
	}

	span.SetStatus(codes.Error, string(errorCode))
	slog.Error("Chat pipeline failed",
		"error", err,
		"chat_id", chatID,
		"status", status,
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, errorCode)
	}
	c.JSON(status, gin.H{"error": message})
}

// encodeSourceManifest serializes the manifest to base64-encoded JSON so it
// can travel in a response header.
func encodeSourceManifest(sources []datatypes.SourceInfo) (string, error) {
	if sources == nil {
		sources = []datatypes.SourceInfo{}
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return "", &pipeline.SerializationError{Err: err}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// runHeartbeat sends keepalive pings until done is closed or the request
// context is canceled.
func runHeartbeat(ctx context.Context, w SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed, stopping heartbeat", "error", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ChatHandler = (*chatHandler)(nil)
