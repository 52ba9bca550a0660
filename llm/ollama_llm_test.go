package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunaaal13/pdftochat/datatypes"
)

func newTestOllamaClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &OllamaClient{
		httpClient: server.Client(),
		baseURL:    server.URL,
		model:      "test-model",
	}
}

// TestOllamaGenerate verifies the non-streaming generate path, including
// option passthrough.
func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaGenerateRequest
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "generated text", Done: true})
	})

	temp := float32(0.1)
	maxTokens := 64
	out, err := client.Generate(context.Background(), "the prompt", GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	require.NoError(t, err)

	assert.Equal(t, "generated text", out)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.Equal(t, "the prompt", gotReq.Prompt)
	assert.False(t, gotReq.Stream)
	assert.InDelta(t, 0.1, gotReq.Options["temperature"], 1e-6)
	assert.EqualValues(t, 64, gotReq.Options["num_predict"])
}

// TestOllamaGenerate_HTTPError verifies non-200 responses surface as errors.
func TestOllamaGenerate_HTTPError(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := client.Generate(context.Background(), "p", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

// TestOllamaChatStream verifies NDJSON decoding: one callback per content
// chunk, then a done event, in order.
func TestOllamaChatStream(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		w.Write([]byte(strings.Join(lines, "\n")))
	})

	var got []string
	doneSeen := false
	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{},
		func(event StreamEvent) error {
			if event.Done {
				doneSeen = true
				return nil
			}
			got = append(got, event.Content)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, got)
	assert.True(t, doneSeen)
}

// TestOllamaChatStream_InlineError verifies an error field in the NDJSON
// stream aborts with that error.
func TestOllamaChatStream_InlineError(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"out of memory"}` + "\n"))
	})

	err := client.ChatStream(context.Background(), nil, GenerationParams{}, func(StreamEvent) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

// TestOllamaChatStream_Truncated verifies a body that ends without the done
// marker is reported as a broken stream.
func TestOllamaChatStream_Truncated(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"partial"},"done":false}` + "\n"))
	})

	err := client.ChatStream(context.Background(), nil, GenerationParams{}, func(StreamEvent) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "done marker")
}
