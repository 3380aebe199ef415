package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// GenerationParams carries optional sampling parameters. Nil pointers mean
// "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType identifies the kind of event delivered to a StreamCallback.
type StreamEventType string

const (
	StreamEventToken    StreamEventType = "token"
	StreamEventThinking StreamEventType = "thinking"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is a single unit of streamed backend output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

// StreamCallback receives stream events in generation order. Returning a
// non-nil error aborts the stream.
type StreamCallback func(event StreamEvent) error

// ErrStreamingNotSupported is returned by backends that cannot stream natively.
var ErrStreamingNotSupported = errors.New("streaming not supported by this backend")

// LLMClient defines the standard interface for any generation backend.
type LLMClient interface {
	// Generate produces a full response for a single prompt (non-streaming).
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream conducts a conversation with message history, delivering
	// output incrementally through the callback. Events must arrive in
	// generation order.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
