package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoscore/go-facet/internal/ports"
)

// slowRuntime blocks until its context expires.
type slowRuntime struct{}

func (slowRuntime) Complete(ctx context.Context, prompts []string, _ RuntimeOptions) ([]ports.GenerationOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowRuntime) Model() string { return "test/slow" }
func (slowRuntime) Close() error  { return nil }

// instantRuntime answers immediately.
type instantRuntime struct{ calls int }

func (r *instantRuntime) Complete(_ context.Context, prompts []string, _ RuntimeOptions) ([]ports.GenerationOutput, error) {
	r.calls++
	return make([]ports.GenerationOutput, len(prompts)), nil
}
func (r *instantRuntime) Model() string { return "test/instant" }
func (r *instantRuntime) Close() error  { return nil }

func TestTimeoutMiddleware(t *testing.T) {
	rt := Chain(slowRuntime{}, TimeoutMiddleware(10*time.Millisecond))

	_, err := rt.Complete(context.Background(), []string{"p"}, RuntimeOptions{})
	assert.ErrorIs(t, err, ports.ErrInferenceTimeout)
}

func TestTimeoutMiddlewarePassesFastCalls(t *testing.T) {
	inner := &instantRuntime{}
	rt := Chain(inner, TimeoutMiddleware(time.Second))

	outputs, err := rt.Complete(context.Background(), []string{"a", "b"}, RuntimeOptions{})
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
}

func TestRateLimitMiddlewareHonorsCancellation(t *testing.T) {
	// Burst 1 at a tiny rate: the second call must wait, and a canceled
	// context aborts the wait.
	inner := &instantRuntime{}
	rt := Chain(inner, RateLimitMiddleware(0.01, 1))

	_, err := rt.Complete(context.Background(), []string{"p"}, RuntimeOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rt.Complete(ctx, []string{"p"}, RuntimeOptions{})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Runtime) Runtime {
			return runtimeFunc{fn: func(ctx context.Context, prompts []string, opts RuntimeOptions) ([]ports.GenerationOutput, error) {
				order = append(order, name)
				return next.Complete(ctx, prompts, opts)
			}}
		}
	}

	rt := Chain(&instantRuntime{}, tag("outer"), tag("inner"))
	_, err := rt.Complete(context.Background(), []string{"p"}, RuntimeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

type runtimeFunc struct {
	fn func(context.Context, []string, RuntimeOptions) ([]ports.GenerationOutput, error)
}

func (r runtimeFunc) Complete(ctx context.Context, prompts []string, opts RuntimeOptions) ([]ports.GenerationOutput, error) {
	return r.fn(ctx, prompts, opts)
}
func (runtimeFunc) Model() string { return "test/func" }
func (runtimeFunc) Close() error  { return nil }

func TestClassifyRuntimeError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: ports.ErrInferenceTimeout,
		},
		{
			name: "vllm kv cache exhaustion",
			err:  &openai.APIError{Message: "CUDA error: no free blocks in KV cache", HTTPStatusCode: 500},
			want: ports.ErrResourceExhausted,
		},
		{
			name: "cuda out of memory",
			err:  &openai.APIError{Message: "CUDA out of memory. Tried to allocate 2.00 GiB", HTTPStatusCode: 500},
			want: ports.ErrResourceExhausted,
		},
		{
			name: "rate limited",
			err:  &openai.APIError{Message: "slow down", HTTPStatusCode: 429},
			want: ports.ErrRateLimited,
		},
		{
			name: "runtime unavailable",
			err:  &openai.APIError{Message: "upstream restarting", HTTPStatusCode: 503},
			want: ports.ErrRuntimeUnavailable,
		},
		{
			name: "connection refused",
			err:  fmt.Errorf("dial tcp 127.0.0.1:8000: connect: connection refused"),
			want: ports.ErrRuntimeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyRuntimeError(ctx, tt.err)
			assert.ErrorIs(t, classified, tt.want)
		})
	}

	t.Run("unrecognized errors pass through", func(t *testing.T) {
		plain := errors.New("something odd")
		assert.Equal(t, plain, classifyRuntimeError(ctx, plain))
	})
}
