package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

const (
	// simulatedChunkWords is how many words each simulated stream fragment
	// carries when chunking a non-streaming Gemini response.
	simulatedChunkWords = 6

	// simulatedChunkDelay paces simulated fragments. It is a cooperative
	// wait (select on the context), not a blocking sleep.
	simulatedChunkDelay = 40 * time.Millisecond
)

// GeminiClient is the low-cost secondary backend, used first for short
// extraction tasks and as the last-resort fallback for generation.
//
// Gemini responses arrive whole; ChatStream simulates token streaming by
// emitting word groups with a paced delay between them.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient builds a client for a single API key. The model defaults
// to GEMINI_MODEL or gemini-1.5-flash.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-1.5-flash"
		slog.Warn("GEMINI_MODEL not set, defaulting to gemini-1.5-flash")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client init failed: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Close releases the underlying API client.
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

func (g *GeminiClient) generativeModel(params GenerationParams) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.model)
	if params.Temperature != nil {
		m.SetTemperature(*params.Temperature)
	}
	if params.TopP != nil {
		m.SetTopP(*params.TopP)
	}
	if params.TopK != nil {
		m.SetTopK(int32(*params.TopK))
	}
	if params.MaxTokens != nil {
		m.SetMaxOutputTokens(int32(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		m.StopSequences = params.Stop
	}
	return m
}

func flattenGeminiResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini returned no text parts")
	}
	return sb.String(), nil
}

// Generate implements the LLMClient interface.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via Gemini", "model", g.model)
	resp, err := g.generativeModel(params).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}
	return flattenGeminiResponse(resp)
}

// ChatStream generates the full response, then delivers it to the callback
// as paced word-group fragments so downstream consumers see a stream.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	full, err := g.Generate(ctx, renderMessagesAsPrompt(messages), params)
	if err != nil {
		return err
	}
	return emitSimulatedStream(ctx, full, callback)
}

// renderMessagesAsPrompt flattens role-tagged history into a single prompt
// for backends without a native chat-history API shape we use.
func renderMessagesAsPrompt(messages []datatypes.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		case "assistant":
			sb.WriteString("Assistant: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		default:
			sb.WriteString("User: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// emitSimulatedStream chunks text into word groups and emits them in order,
// yielding between fragments. Cancellation wins over the pacing delay.
func emitSimulatedStream(ctx context.Context, text string, callback StreamCallback) error {
	words := strings.Fields(text)
	for i := 0; i < len(words); i += simulatedChunkWords {
		end := i + simulatedChunkWords
		if end > len(words) {
			end = len(words)
		}
		fragment := strings.Join(words[i:end], " ")
		if end < len(words) {
			fragment += " "
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: fragment}); err != nil {
			return err
		}
		if end < len(words) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(simulatedChunkDelay):
			}
		}
	}
	return nil
}

var _ LLMClient = (*GeminiClient)(nil)
