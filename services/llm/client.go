package llm

import (
	"context"
	"errors"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// ErrBackendExhausted is returned after all retry attempts against the
// model backend failed. Callers treat it as a terminal backend outage
// for the current operation.
var ErrBackendExhausted = errors.New("llm backend unavailable after retries")

// ErrStreamingNotSupported is returned by backends without a streaming
// implementation.
var ErrStreamingNotSupported = errors.New("streaming not supported by this backend")

type GenerationParams struct {
	Temperature     *float32 `json:"temperature"`
	TopK            *int     `json:"top_k"`
	TopP            *float32 `json:"top_p"`
	MaxTokens       *int     `json:"max_tokens"`
	PresencePenalty *float32 `json:"presence_penalty"`
	Stop            []string `json:"stop"`
}

// StreamEvent is a single delta from a streaming completion. Reasoning
// carries chain-of-thought deltas when the backend separates them;
// Content carries ordinary completion text. At most one is non-empty
// per event.
type StreamEvent struct {
	Reasoning string
	Content   string
}

// StreamCallback receives stream events in arrival order. Returning a
// non-nil error aborts the stream; the error propagates out of
// ChatStream unchanged.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams,
		callback StreamCallback) error
}
