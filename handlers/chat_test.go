package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunaaal13/pdftochat/datatypes"
	"github.com/kunaaal13/pdftochat/llm"
	"github.com/kunaaal13/pdftochat/pipeline"
	"github.com/kunaaal13/pdftochat/retrieval"
)

// =============================================================================
// Test Setup
// =============================================================================

// mockChatPipeline implements ChatPipeline for handler testing.
type mockChatPipeline struct {
	// Result is returned by Run. Its Stream is created fresh per test via
	// the Fragments/StreamErr fields below.
	Fragments []string
	StreamErr error
	Sources   []datatypes.SourceInfo
	TurnIndex int

	// Err is returned by Run instead of a result.
	Err error

	CallCount    int
	LastChatID   string
	LastMessages []datatypes.Message
}

func (m *mockChatPipeline) Run(_ context.Context, chatID string, messages []datatypes.Message) (*pipeline.Result, error) {
	m.CallCount++
	m.LastChatID = chatID
	m.LastMessages = messages

	if m.Err != nil {
		return nil, m.Err
	}

	stream := pipeline.NewAnswerStream()
	go func() {
		for _, f := range m.Fragments {
			if err := stream.Push(context.Background(), f); err != nil {
				stream.Fail(err)
				return
			}
		}
		if m.StreamErr != nil {
			stream.Fail(m.StreamErr)
			return
		}
		stream.Close()
	}()

	return &pipeline.Result{
		Stream:    stream,
		Sources:   m.Sources,
		TurnIndex: m.TurnIndex,
	}, nil
}

var _ ChatPipeline = (*mockChatPipeline)(nil)

// stubLLM streams a fixed token list; Generate is never expected.
type stubLLM struct {
	tokens []string
}

func (s *stubLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", errors.New("unexpected Generate call")
}

func (s *stubLLM) ChatStream(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams, callback llm.StreamCallback) error {
	for _, tok := range s.tokens {
		if err := callback(llm.StreamEvent{Content: tok}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{Done: true})
}

// stubRetriever returns a fixed chunk set for any query.
type stubRetriever struct {
	chunks []retrieval.Chunk
}

func (s *stubRetriever) Search(_ context.Context, _, _ string, _ int) ([]retrieval.Chunk, error) {
	return s.chunks, nil
}

func performChat(t *testing.T, p ChatPipeline, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/v1/chat", NewChatHandler(p).HandleChat)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// sseEvents extracts the "event:" names from a raw SSE body in order.
func sseEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}
	return events
}

// sseTokenContent concatenates the content of all token events in the body.
func sseTokenContent(t *testing.T, body string) string {
	t.Helper()
	var b strings.Builder
	events := strings.Split(body, "\n\n")
	for _, block := range events {
		if !strings.Contains(block, "event: token") {
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var ev datatypes.StreamEvent
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				b.WriteString(ev.Content)
			}
		}
	}
	return b.String()
}

// =============================================================================
// HandleChat Tests
// =============================================================================

// TestHandleChat_Success verifies the happy path: headers committed before
// the stream, token events reassembling the answer, terminal done event.
func TestHandleChat_Success(t *testing.T) {
	mock := &mockChatPipeline{
		Fragments: []string{"The answer ", "is 42."},
		Sources: []datatypes.SourceInfo{
			{Excerpt: "chunk one...", Metadata: map[string]any{"page": float64(1)}},
			{Excerpt: "chunk two...", Metadata: map[string]any{"page": float64(2)}},
		},
		TurnIndex: 3,
	}

	w := performChat(t, mock, `{"chatId":"chat-1","messages":[
		{"role":"user","content":"summarize"},
		{"role":"assistant","content":"done"},
		{"role":"user","content":"more detail"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "3", w.Header().Get("X-Message-Index"))

	// Manifest header decodes back to the pipeline's sources, in order.
	decoded, err := base64.StdEncoding.DecodeString(w.Header().Get("X-Sources"))
	require.NoError(t, err)
	var sources []datatypes.SourceInfo
	require.NoError(t, json.Unmarshal(decoded, &sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "chunk one...", sources[0].Excerpt)
	assert.Equal(t, "chunk two...", sources[1].Excerpt)

	body := w.Body.String()
	events := sseEvents(body)
	assert.Equal(t, "status", events[0])
	assert.Equal(t, "done", events[len(events)-1])
	assert.NotContains(t, events, "error")

	assert.Equal(t, "The answer is 42.", sseTokenContent(t, body))

	assert.Equal(t, "chat-1", mock.LastChatID)
	require.Len(t, mock.LastMessages, 3)
}

// TestHandleChat_EmptySources verifies that an empty manifest is encoded as
// an empty JSON array, not omitted.
func TestHandleChat_EmptySources(t *testing.T) {
	mock := &mockChatPipeline{
		Fragments: []string{"no context answer"},
		TurnIndex: 1,
	}

	w := performChat(t, mock, `{"chatId":"chat-1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	decoded, err := base64.StdEncoding.DecodeString(w.Header().Get("X-Sources"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(decoded))
}

// TestHandleChat_MultiByteSources runs the real pipeline behind the handler
// and verifies that a manifest excerpt built from multi-byte chunk content
// survives the JSON and base64 encoding intact: valid UTF-8 and a literal
// prefix of the chunk.
func TestHandleChat_MultiByteSources(t *testing.T) {
	content := strings.Repeat("日本語の文書です。", 10)
	orch := pipeline.NewOrchestrator(
		&stubLLM{tokens: []string{"answer"}},
		&stubRetriever{chunks: []retrieval.Chunk{{Content: content}}},
		4,
	)

	w := performChat(t, orch, `{"chatId":"chat-1","messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	decoded, err := base64.StdEncoding.DecodeString(w.Header().Get("X-Sources"))
	require.NoError(t, err)
	var sources []datatypes.SourceInfo
	require.NoError(t, json.Unmarshal(decoded, &sources))
	require.Len(t, sources, 1)

	excerpt := sources[0].Excerpt
	assert.True(t, utf8.ValidString(excerpt), "decoded excerpt must be valid UTF-8")
	require.True(t, strings.HasSuffix(excerpt, "..."))
	prefix := strings.TrimSuffix(excerpt, "...")
	assert.True(t, strings.HasPrefix(content, prefix), "excerpt must be a prefix of the chunk content")
	assert.NotContains(t, excerpt, "�")
}

// TestHandleChat_InvalidBody verifies 400 on malformed JSON, before the
// pipeline is invoked.
func TestHandleChat_InvalidBody(t *testing.T) {
	mock := &mockChatPipeline{}

	w := performChat(t, mock, `{not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, mock.CallCount)
}

// TestHandleChat_ValidationFailure verifies 400 when the body parses but
// violates structural constraints.
func TestHandleChat_ValidationFailure(t *testing.T) {
	mock := &mockChatPipeline{}

	// Missing chatId
	w := performChat(t, mock, `{"messages":[{"role":"user","content":"q"}]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, mock.CallCount)
}

// TestHandleChat_RetrievalFailure verifies that a vector store failure maps
// to 502 with a JSON error body and no streamed bytes.
func TestHandleChat_RetrievalFailure(t *testing.T) {
	mock := &mockChatPipeline{
		Err: &retrieval.RetrievalError{Namespace: "chat-1", Err: errors.New("unreachable")},
	}

	w := performChat(t, mock, `{"chatId":"chat-1","messages":[{"role":"user","content":"q"}]}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, w.Header().Get("X-Sources"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "retrieve")
}

// TestHandleChat_UpstreamModelFailure verifies that a model backend failure
// before streaming maps to 502.
func TestHandleChat_UpstreamModelFailure(t *testing.T) {
	mock := &mockChatPipeline{
		Err: &pipeline.UpstreamModelError{Stage: "rewrite", Err: errors.New("timeout")},
	}

	w := performChat(t, mock, `{"chatId":"chat-1","messages":[{"role":"user","content":"q"}]}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// TestHandleChat_MidStreamFailure verifies that a failure after streaming
// begins surfaces as an SSE error event, not an HTTP status change.
func TestHandleChat_MidStreamFailure(t *testing.T) {
	mock := &mockChatPipeline{
		Fragments: []string{"partial "},
		StreamErr: &pipeline.UpstreamModelError{Stage: "synthesize", Err: errors.New("model crashed")},
		TurnIndex: 1,
	}

	w := performChat(t, mock, `{"chatId":"chat-1","messages":[{"role":"user","content":"q"}]}`)

	require.Equal(t, http.StatusOK, w.Code, "status is already committed when the failure occurs")

	events := sseEvents(w.Body.String())
	assert.Contains(t, events, "token")
	assert.Equal(t, "error", events[len(events)-1])
	assert.NotContains(t, events, "done")
}

// TestNewChatHandler_PanicsOnNilPipeline verifies the nil-dependency guard.
func TestNewChatHandler_PanicsOnNilPipeline(t *testing.T) {
	assert.Panics(t, func() {
		NewChatHandler(nil)
	})
}
