package inference

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/convoscore/go-facet/internal/ports"
)

// rateLimitRuntime throttles generation calls with a token bucket. Local
// runtimes fall over ungracefully when flooded; shaping the request rate in
// the client keeps latency predictable under concurrent evaluations.
type rateLimitRuntime struct {
	next    Runtime
	limiter *rate.Limiter
}

// RateLimitMiddleware creates middleware that limits Complete calls to rps
// requests per second with the given burst.
func RateLimitMiddleware(rps float64, burst int) Middleware {
	return func(next Runtime) Runtime {
		return &rateLimitRuntime{
			next:    next,
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
		}
	}
}

func (r *rateLimitRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	return r.next.Complete(ctx, prompts, opts)
}

func (r *rateLimitRuntime) Model() string { return r.next.Model() }

func (r *rateLimitRuntime) Close() error { return r.next.Close() }
