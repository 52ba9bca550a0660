package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kunaaal13/pdftochat/datatypes"
)

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message datatypes.Message `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via Ollama", "model", o.model)

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return "", fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return "", fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return ollamaResp.Response, nil
}

// ChatStream implements the LLMClient interface. Ollama streams NDJSON, one
// chat response object per line; the final line carries done=true.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	slog.Debug("Streaming chat via Ollama", "model", o.model, "num_messages", len(messages))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama chat call failed", "error", err)
		return fmt.Errorf("Ollama chat call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("failed to parse Ollama stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if cbErr := callback(StreamEvent{Content: chunk.Message.Content}); cbErr != nil {
				return cbErr
			}
		}
		if chunk.Done {
			return callback(StreamEvent{Done: true})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("Ollama stream read failed: %w", err)
	}
	// Body ended without a done chunk. Treat as a broken stream so the
	// caller can surface a terminal error instead of silent truncation.
	return fmt.Errorf("Ollama stream ended without done marker")
}

func (o *OllamaClient) buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}
