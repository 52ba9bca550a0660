package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kunaaal13/pdftochat/embedding"
	"github.com/kunaaal13/pdftochat/handlers"
	"github.com/kunaaal13/pdftochat/llm"
	"github.com/kunaaal13/pdftochat/middleware"
	"github.com/kunaaal13/pdftochat/observability"
	"github.com/kunaaal13/pdftochat/pipeline"
	"github.com/kunaaal13/pdftochat/retrieval"
	"github.com/kunaaal13/pdftochat/routes"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const serviceName = "pdftochat-service"

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func newWeaviateClient() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Trim quotes and whitespace in case the container runtime passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" {
		log.Fatal("FATAL: WEAVIATE_SERVICE_URL is not set")
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("FATAL: WEAVIATE_SERVICE_URL is invalid: %q", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to create Weaviate client: %v", err)
	}
	return client
}

func main() {
	port := os.Getenv("CHAT_PORT")
	if port == "" {
		port = "8000"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	weaviateClient := newWeaviateClient()
	if err := retrieval.EnsureSchema(context.Background(), weaviateClient); err != nil {
		log.Fatalf("FATAL: Failed to ensure Weaviate schema: %v", err)
	}

	log.Println("Configuring the LLM client")
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")

	var llmClient llm.LLMClient
	var embedder embeddings.Embedder
	switch llmBackendType {
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		if err == nil {
			embedder, err = embedding.NewOllamaEmbedder()
		}
		slog.Info("Using Ollama LLM backend")
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		if err == nil {
			embedder, err = embedding.NewOpenAIEmbedder()
		}
		slog.Info("Using OpenAI LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to openai")
		llmClient, err = llm.NewOpenAIClient()
		if err == nil {
			embedder, err = embedding.NewOpenAIEmbedder()
		}
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	topK := retrieval.DefaultTopK
	if raw := os.Getenv("RETRIEVAL_TOP_K"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 1 {
			slog.Warn("RETRIEVAL_TOP_K is invalid, using default", "value", raw, "default", topK)
		} else {
			topK = parsed
		}
	}

	retriever := retrieval.NewWeaviateRetriever(weaviateClient, embedder)
	orchestrator := pipeline.NewOrchestrator(llmClient, retriever, topK)
	chatHandler := handlers.NewChatHandler(orchestrator)

	var authProvider middleware.AuthProvider = middleware.NopAuthProvider{}
	if token := os.Getenv("CHAT_AUTH_TOKEN"); token != "" {
		authProvider = middleware.StaticTokenProvider{Token: token}
		slog.Info("Bearer token authentication enabled")
	} else {
		slog.Info("CHAT_AUTH_TOKEN not set, authentication disabled")
	}

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(router, chatHandler, authProvider)

	log.Println("Starting the chat server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
