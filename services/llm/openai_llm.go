package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

var tracer = otel.Tracer("deepresearch.llm") // Shared by all backends in this package

const (
	// maxRetries bounds transport retry attempts per call.
	maxRetries = 3

	// backoffBase is the first retry delay; it doubles per attempt.
	backoffBase = time.Second

	// backoffCap bounds any single retry delay.
	backoffCap = 30 * time.Second
)

// OpenAIClient talks to any OpenAI-compatible completion endpoint,
// including vLLM and llama.cpp servers exposing /v1/chat/completions.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(baseURL, apiKey, model string) (*OpenAIClient, error) {
	if baseURL == "" {
		baseURL = os.Getenv("LLM_BASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("LLM_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/llm_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the LLM API Key from container secrets")
		}
	}
	if apiKey == "" {
		// Self-hosted vLLM endpoints accept any key; remote ones will 401.
		apiKey = "EMPTY"
		slog.Warn("LLM_API_KEY not set, using placeholder key")
	}
	if model == "" {
		model = os.Getenv("LLM_MODEL")
	}
	if model == "" {
		return nil, fmt.Errorf("LLM_MODEL not set and no model given")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing OpenAI-compatible client", "base_url", config.BaseURL, "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	messages := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: prompt},
	}
	return o.Chat(ctx, messages, params)
}

// Chat implements the LLMClient interface
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	req := o.buildRequest(messages, params)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			slog.Warn("Retrying LLM call", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "llm call failed")
				return "", fmt.Errorf("llm call failed: %w", err)
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("backend returned no choices")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "llm retries exhausted")
	slog.Error("LLM retries exhausted", "attempts", maxRetries, "error", lastErr)
	return "", fmt.Errorf("%w: %v", ErrBackendExhausted, lastErr)
}

// ChatStream implements the LLMClient interface.
//
// Retries apply to stream establishment only. Once tokens are flowing a
// transport failure aborts the stream; partial output already delivered
// to the callback stands.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	req := o.buildRequest(messages, params)
	req.Stream = true

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			slog.Warn("Retrying LLM stream open", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		s, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "stream open failed")
				return fmt.Errorf("llm stream open failed: %w", err)
			}
			continue
		}
		stream = s
		break
	}
	if stream == nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, "llm retries exhausted")
		return fmt.Errorf("%w: %v", ErrBackendExhausted, lastErr)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return fmt.Errorf("llm stream receive failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if cbErr := callback(StreamEvent{Reasoning: delta.ReasoningContent}); cbErr != nil {
				return cbErr
			}
		}
		if delta.Content != "" {
			if cbErr := callback(StreamEvent{Content: delta.Content}); cbErr != nil {
				return cbErr
			}
		}
	}
}

// buildRequest maps messages and params onto the wire request.
func (o *OpenAIClient) buildRequest(messages []datatypes.Message,
	params GenerationParams) openai.ChatCompletionRequest {

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: chatMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = *params.PresencePenalty
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// backoffDelay computes the delay before the given retry attempt:
// exponential from backoffBase with up to 25% jitter, capped.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	delay += jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// isRetryable reports whether an error is worth another attempt.
// Cancellation and client-side errors are not; rate limits and server
// errors are.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Network-level failures land here.
	return true
}

// Ensure OpenAIClient implements LLMClient
var _ LLMClient = (*OpenAIClient)(nil)
