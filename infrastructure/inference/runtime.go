// Package inference implements the model inference service: loading
// open-weights models under a parameter ceiling, batching prompts through a
// single execution context per model, and unloading idle weights.
//
// Generation is abstracted behind the Runtime interface. The production
// implementation speaks the OpenAI-compatible completion API that local
// open-weights runtimes (vLLM, llama.cpp server, Ollama) expose, so the
// service never depends on a hosted provider. Cross-cutting concerns
// (timeouts, rate limiting, metrics, tracing) compose functionally as
// middleware around any Runtime.
package inference

import (
	"context"
	"fmt"

	"github.com/convoscore/go-facet/internal/ports"
)

// Runtime is the minimal generation primitive a model backend must provide.
// Implementations receive an already-batched slice of prompts and must
// return outputs in input order.
type Runtime interface {
	// Complete generates a completion for each prompt. Outputs align
	// with prompts by index.
	Complete(ctx context.Context, prompts []string, opts RuntimeOptions) ([]ports.GenerationOutput, error)

	// Model returns the runtime's model identifier.
	Model() string

	// Close releases any connections held by the runtime.
	Close() error
}

// RuntimeOptions carries the per-call generation parameters a Runtime
// understands.
type RuntimeOptions struct {
	// MaxTokens caps the completion length.
	MaxTokens int

	// Temperature controls sampling randomness (0.0-1.0).
	Temperature float64

	// LogProbs requests per-token log-probabilities when the runtime
	// supports them.
	LogProbs bool
}

// Middleware wraps a Runtime to add cross-cutting functionality. Middleware
// composes in the order given, with the first middleware outermost.
type Middleware func(Runtime) Runtime

// Chain applies middleware to a runtime, first middleware outermost.
func Chain(rt Runtime, middleware ...Middleware) Runtime {
	for i := len(middleware) - 1; i >= 0; i-- {
		rt = middleware[i](rt)
	}
	return rt
}

// RuntimeFactory builds a Runtime for a model spec. The registry lets the
// service construct backends by kind without knowing their implementation,
// and lets tests register deterministic stubs.
type RuntimeFactory func(spec ModelSpec) (Runtime, error)

var runtimeFactories = map[string]RuntimeFactory{}

// RegisterRuntimeFactory registers a runtime backend under a kind name.
// The openai_compatible backend registers itself; tests register stubs.
func RegisterRuntimeFactory(kind string, factory RuntimeFactory) {
	runtimeFactories[kind] = factory
}

func newRuntime(spec ModelSpec) (Runtime, error) {
	factory, ok := runtimeFactories[spec.RuntimeKind]
	if !ok {
		return nil, fmt.Errorf("unknown runtime kind %q", spec.RuntimeKind)
	}
	return factory(spec)
}
