package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convoscore/go-facet/internal/ports"
)

func init() {
	RegisterRuntimeFactory("openai_compatible", func(spec ModelSpec) (Runtime, error) {
		return newOpenAIRuntime(spec)
	})
}

// openAIRuntime generates through a local OpenAI-compatible server
// (vLLM, llama.cpp server, Ollama). Log-probabilities are requested on
// every call so the confidence estimator can use them when the runtime
// reports them.
type openAIRuntime struct {
	client *openai.Client
	model  string
}

func newOpenAIRuntime(spec ModelSpec) (*openAIRuntime, error) {
	if spec.Endpoint == "" {
		return nil, fmt.Errorf("model %s: runtime endpoint is required", spec.ID)
	}

	// Local runtimes usually ignore the key but the client requires one.
	apiKey := spec.APIKey
	if apiKey == "" {
		apiKey = "local"
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = spec.Endpoint

	return &openAIRuntime{
		client: openai.NewClientWithConfig(config),
		model:  spec.ID,
	}, nil
}

// Complete sends each prompt as a chat completion against the local server.
// The server performs its own continuous batching; requests within a
// sub-batch are issued sequentially to keep a single execution context per
// model, as the service contract requires.
func (r *openAIRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	outputs := make([]ports.GenerationOutput, 0, len(prompts))

	for i, prompt := range prompts {
		req := openai.ChatCompletionRequest{
			Model: r.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxTokens:   opts.MaxTokens,
			Temperature: float32(opts.Temperature),
		}
		if opts.LogProbs {
			req.LogProbs = true
		}

		resp, err := r.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, ports.NewInferenceError(r.model, "complete",
				fmt.Errorf("prompt %d/%d: %w", i+1, len(prompts), classifyRuntimeError(ctx, err)))
		}
		if len(resp.Choices) == 0 {
			return nil, ports.NewInferenceError(r.model, "complete",
				fmt.Errorf("prompt %d/%d: %w", i+1, len(prompts), ports.ErrInvalidResponse))
		}

		choice := resp.Choices[0]
		out := ports.GenerationOutput{
			Text:       choice.Message.Content,
			TokensUsed: resp.Usage.TotalTokens,
		}
		if choice.LogProbs != nil {
			out.Tokens = make([]ports.TokenLogProb, 0, len(choice.LogProbs.Content))
			for _, tok := range choice.LogProbs.Content {
				out.Tokens = append(out.Tokens, ports.TokenLogProb{
					Token:   tok.Token,
					LogProb: tok.LogProb,
				})
			}
		}
		outputs = append(outputs, out)
	}

	return outputs, nil
}

// Model returns the model identifier.
func (r *openAIRuntime) Model() string { return r.model }

// Close releases the runtime. The HTTP client holds no persistent state.
func (r *openAIRuntime) Close() error { return nil }

// classifyRuntimeError maps transport and API errors onto the ports error
// taxonomy so callers can branch on sentinel errors instead of matching
// provider-specific strings.
func classifyRuntimeError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrInferenceTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case isOOMMessage(msg):
			return fmt.Errorf("%w: %v", ports.ErrResourceExhausted, err)
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ports.ErrRateLimited, err)
		case apiErr.HTTPStatusCode == 503 || apiErr.HTTPStatusCode == 502:
			return fmt.Errorf("%w: %v", ports.ErrRuntimeUnavailable, err)
		}
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") {
		return fmt.Errorf("%w: %v", ports.ErrRuntimeUnavailable, err)
	}
	if isOOMMessage(lower) {
		return fmt.Errorf("%w: %v", ports.ErrResourceExhausted, err)
	}
	return err
}

// isOOMMessage matches the accelerator out-of-memory signatures local
// runtimes emit. vLLM reports KV cache exhaustion; llama.cpp and torch
// report allocation failures.
func isOOMMessage(msg string) bool {
	for _, marker := range []string{
		"out of memory",
		"kv cache",
		"insufficient memory",
		"failed to allocate",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
