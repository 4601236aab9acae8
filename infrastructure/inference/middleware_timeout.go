package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convoscore/go-facet/internal/ports"
)

// timeoutRuntime enforces a per-call deadline on generation so one hung
// forward pass cannot stall a whole evaluation.
type timeoutRuntime struct {
	next    Runtime
	timeout time.Duration
}

// TimeoutMiddleware creates middleware that bounds each Complete call.
// Expired calls surface as ports.ErrInferenceTimeout so the engine can
// route the unit onto the degrade path.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Runtime) Runtime {
		return &timeoutRuntime{next: next, timeout: timeout}
	}
}

func (t *timeoutRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	outputs, err := t.next.Complete(ctx, prompts, opts)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ports.ErrInferenceTimeout) {
		return nil, fmt.Errorf("%w: %v", ports.ErrInferenceTimeout, err)
	}
	return outputs, err
}

func (t *timeoutRuntime) Model() string { return t.next.Model() }

func (t *timeoutRuntime) Close() error { return t.next.Close() }
