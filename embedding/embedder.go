// Package embedding wires langchaingo embedding providers behind the
// embeddings.Embedder interface the retriever consumes. The pipeline treats
// embedding as an opaque text→vector function; provider choice is a
// deployment concern.
package embedding

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewOpenAIEmbedder creates an embedder backed by the OpenAI embeddings API.
// Reads OPENAI_API_KEY, EMBEDDING_MODEL_NAME and optionally OPENAI_BASE_URL.
func NewOpenAIEmbedder() (embeddings.Embedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("EMBEDDING_MODEL_NAME")
	if model == "" {
		model = "text-embedding-3-small"
		slog.Warn("EMBEDDING_MODEL_NAME not set, defaulting to text-embedding-3-small")
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL := strings.TrimSuffix(os.Getenv("OPENAI_BASE_URL"), "/"); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI embedding provider: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	slog.Info("Using OpenAI embedding backend", "model", model)
	return embedder, nil
}

// NewOllamaEmbedder creates an embedder backed by a local Ollama instance.
// Reads OLLAMA_BASE_URL and EMBEDDING_MODEL_NAME.
func NewOllamaEmbedder() (embeddings.Embedder, error) {
	baseURL := strings.TrimSuffix(os.Getenv("OLLAMA_BASE_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("EMBEDDING_MODEL_NAME")
	if model == "" {
		model = "nomic-embed-text"
		slog.Warn("EMBEDDING_MODEL_NAME not set, defaulting to nomic-embed-text")
	}

	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Ollama embedding provider: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	slog.Info("Using Ollama embedding backend", "model", model, "base_url", baseURL)
	return embedder, nil
}
