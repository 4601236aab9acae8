package inference

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/convoscore/go-facet/internal/ports"
)

// tracedRuntime wraps generation calls in OpenTelemetry spans so slow units
// can be attributed to a model and batch size in distributed traces.
type tracedRuntime struct {
	next   Runtime
	tracer trace.Tracer
}

// TracingMiddleware creates middleware that records a span per generation
// batch under the given service name.
func TracingMiddleware(serviceName string) Middleware {
	return func(next Runtime) Runtime {
		return &tracedRuntime{
			next:   next,
			tracer: otel.Tracer(serviceName),
		}
	}
}

func (t *tracedRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	ctx, span := t.tracer.Start(ctx, "inference.complete",
		trace.WithAttributes(
			attribute.String("inference.model", t.next.Model()),
			attribute.Int("inference.batch_size", len(prompts)),
			attribute.Int("inference.max_tokens", opts.MaxTokens),
			attribute.Float64("inference.temperature", opts.Temperature),
		),
	)
	defer span.End()

	outputs, err := t.next.Complete(ctx, prompts, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var tokens int
	for _, out := range outputs {
		tokens += out.TokensUsed
	}
	span.SetAttributes(attribute.Int("inference.tokens_used", tokens))

	return outputs, nil
}

func (t *tracedRuntime) Model() string { return t.next.Model() }

func (t *tracedRuntime) Close() error { return t.next.Close() }
