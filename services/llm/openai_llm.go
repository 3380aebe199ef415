package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// OpenAIClient is the primary conversational backend. One client is built
// per credential so the gateway can rotate keys between attempts.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client for a single API key. The model defaults
// to OPENAI_MODEL or gpt-4o-mini.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is empty")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

// Generate implements the LLMClient interface.
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
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream streams a chat completion token-by-token through the callback.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	applyParams(&req, params)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("OpenAI stream open failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("OpenAI stream recv failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
			return cbErr
		}
	}
}

var _ LLMClient = (*OpenAIClient)(nil)
