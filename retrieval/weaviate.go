// Package retrieval performs namespace-scoped nearest-neighbor search against
// the per-document vector index.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("pdftochat.retrieval")

// ChunkClassName is the Weaviate class holding indexed document chunks.
// The ingestion side writes objects with a chat_id property; retrieval
// filters on it so one chat never sees another chat's document.
const ChunkClassName = "DocumentChunk"

// DefaultTopK is the number of chunks retrieved per query when no override
// is configured.
const DefaultTopK = 4

// =============================================================================
// Types
// =============================================================================

// Chunk is one unit of indexed document text returned by nearest-neighbor
// search. Content is the chunk text; Metadata carries the indexed scalar
// properties (source, page) plus the search certainty. Chunks are read-only
// downstream of the retriever.
type Chunk struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Retriever is the nearest-neighbor search contract the pipeline consumes.
//
// Search returns chunks in relevance order as reported by the index; the
// caller must not assume any re-ranking. An empty slice with a nil error is
// a valid outcome meaning no relevant context exists in the namespace.
type Retriever interface {
	Search(ctx context.Context, namespace, query string, limit int) ([]Chunk, error)
}

// =============================================================================
// Error Type
// =============================================================================

// RetrievalError indicates the vector-index search failed: the service was
// unreachable, the class is missing, or the query itself was rejected.
// An empty result set is never a RetrievalError.
type RetrievalError struct {
	Namespace string
	Err       error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for namespace %q: %v", e.Namespace, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IsRetrievalError reports whether err is (or wraps) a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

var _ Retriever = (*WeaviateRetriever)(nil)

// WeaviateRetriever implements Retriever over a Weaviate instance using
// nearVector search with an equality filter on chat_id for namespace
// isolation.
//
// Thread-safe: the client and embedder are read-only after construction and
// both are safe for concurrent use.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder embeddings.Embedder
}

// NewWeaviateRetriever creates a retriever from a connected Weaviate client
// and an embedding provider. Panics on nil arguments (programming errors).
func NewWeaviateRetriever(client *weaviate.Client, embedder embeddings.Embedder) *WeaviateRetriever {
	if client == nil {
		panic("NewWeaviateRetriever: client must not be nil")
	}
	if embedder == nil {
		panic("NewWeaviateRetriever: embedder must not be nil")
	}
	return &WeaviateRetriever{client: client, embedder: embedder}
}

// Search embeds the query and runs a namespace-scoped nearVector search.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - namespace: The chat id scoping the search. Only chunks indexed with
//     chat_id == namespace can be returned.
//   - query: The standalone search query to embed.
//   - limit: Maximum number of chunks to return. Values < 1 fall back to
//     DefaultTopK.
//
// # Outputs
//
//   - []Chunk: Chunks in relevance order (highest certainty first, as
//     reported by Weaviate). Empty slice when nothing matches.
//   - error: *RetrievalError if embedding or the search call fails.
func (r *WeaviateRetriever) Search(ctx context.Context, namespace, query string, limit int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(attribute.String("retrieval.namespace", namespace))

	if limit < 1 {
		limit = DefaultTopK
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Error("Failed to embed search query", "error", err, "namespace", namespace)
		return nil, &RetrievalError{Namespace: namespace, Err: fmt.Errorf("embed query: %w", err)}
	}

	namespaceFilter := filters.Where().
		WithPath([]string{"chat_id"}).
		WithOperator(filters.Equal).
		WithValueString(namespace)

	nearVector := r.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "page"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(fields...).
		WithWhere(namespaceFilter).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		slog.Error("Weaviate search failed", "error", err, "namespace", namespace)
		return nil, &RetrievalError{Namespace: namespace, Err: err}
	}

	chunks, err := parseSearchResponse(result)
	if err != nil {
		return nil, &RetrievalError{Namespace: namespace, Err: err}
	}

	span.SetAttributes(attribute.Int("retrieval.chunk_count", len(chunks)))
	slog.Debug("Retrieved document chunks", "namespace", namespace, "count", len(chunks))
	return chunks, nil
}

// =============================================================================
// Response Parsing
// =============================================================================

// chunkQueryResponse mirrors the GraphQL response shape for DocumentChunk
// queries. Pointer fields distinguish absent properties from zero values.
type chunkQueryResponse struct {
	Get struct {
		DocumentChunk []struct {
			Content    string   `json:"content"`
			Source     string   `json:"source"`
			Page       *float64 `json:"page"`
			Additional struct {
				Certainty *float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"DocumentChunk"`
	} `json:"Get"`
}

// parseSearchResponse converts Weaviate's dynamic GraphQL response into
// ordered Chunks. GraphQL-level errors (missing class, bad namespace
// filter) are surfaced as errors, not as empty results.
func parseSearchResponse(resp *models.GraphQLResponse) ([]Chunk, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, gqlErr := range resp.Errors {
			if gqlErr != nil {
				msgs = append(msgs, gqlErr.Message)
			}
		}
		return nil, fmt.Errorf("weaviate query errors: %v", msgs)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed chunkQueryResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse GraphQL response: %w", err)
	}

	chunks := make([]Chunk, 0, len(parsed.Get.DocumentChunk))
	for _, obj := range parsed.Get.DocumentChunk {
		metadata := map[string]any{}
		if obj.Source != "" {
			metadata["source"] = obj.Source
		}
		if obj.Page != nil {
			metadata["page"] = int(*obj.Page)
		}
		if obj.Additional.Certainty != nil {
			metadata["certainty"] = *obj.Additional.Certainty
		}
		chunks = append(chunks, Chunk{Content: obj.Content, Metadata: metadata})
	}
	return chunks, nil
}

// =============================================================================
// Schema
// =============================================================================

// GetChunkSchema returns the DocumentChunk class definition. Vectors are
// supplied by the ingestion side, so the class uses no server vectorizer.
func GetChunkSchema() *models.Class {
	return &models.Class{
		Class:       ChunkClassName,
		Description: "A chunk of an uploaded document, indexed per chat namespace.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "The chunk text",
			},
			{
				Name:        "chat_id",
				DataType:    []string{"text"},
				Description: "The owning chat session; also the retrieval namespace",
			},
			{
				Name:        "source",
				DataType:    []string{"text"},
				Description: "Originating document file name",
			},
			{
				Name:        "page",
				DataType:    []string{"int"},
				Description: "Page number within the source document",
			},
		},
	}
}

// EnsureSchema creates the DocumentChunk class if it does not exist yet.
// Returns an error instead of exiting so callers decide whether a missing
// index is fatal.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetChunkSchema()
	slog.Info("Checking schema", "class", class.Class)

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}
