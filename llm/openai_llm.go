package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kunaaal13/pdftochat/datatypes"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSuffix(os.Getenv("OPENAI_BASE_URL"), "/"); baseURL != "" {
		config.BaseURL = baseURL
	}

	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	applyParams(&req, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface. Fragments are forwarded to
// the callback in the order the API delivers them; a clean end of stream
// produces a final Done event.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	applyParams(&req, params)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("Failed to open OpenAI completion stream", "error", err)
		return fmt.Errorf("OpenAI stream setup failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return callback(StreamEvent{Done: true})
		}
		if recvErr != nil {
			return fmt.Errorf("OpenAI stream receive failed: %w", recvErr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if cbErr := callback(StreamEvent{Content: delta}); cbErr != nil {
			return cbErr
		}
	}
}

func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

// toOpenAIMessages maps wire messages onto the OpenAI role set. Unknown
// roles are sent as user turns with the original role label prefixed so no
// history is dropped or silently reclassified.
func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user", "assistant", "system":
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("[%s] %s", m.Role, m.Content),
			})
		}
	}
	return out
}
