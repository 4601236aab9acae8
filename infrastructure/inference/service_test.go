package inference_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/convoscore/go-facet/infrastructure/inference"
	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
	"github.com/convoscore/go-facet/internal/testutils"
)

func testConfig(models ...inference.ModelSpec) inference.Config {
	if len(models) == 0 {
		models = []inference.ModelSpec{{
			ID:            "test/small-7b",
			ParamsB:       7,
			ContextWindow: 8192,
			RuntimeKind:   testutils.StubRuntimeKind,
		}}
	}
	return inference.Config{
		BatchSize: 4,
		IdleTTL:   time.Minute,
		Models:    models,
	}
}

func newTestService(t *testing.T, cfg inference.Config) *inference.Service {
	t.Helper()
	svc, err := inference.NewService(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestAcquireEnforcesParameterCeiling(t *testing.T) {
	testutils.RegisterStub(&testutils.ScriptedRuntime{ModelID: "test/huge-70b"})
	svc := newTestService(t, testConfig(inference.ModelSpec{
		ID:            "test/huge-70b",
		ParamsB:       70,
		ContextWindow: 8192,
		RuntimeKind:   testutils.StubRuntimeKind,
	}))

	_, err := svc.Acquire(context.Background(), "test/huge-70b")
	var tooLarge *domain.ModelTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 70.0, tooLarge.ParamsB)
	assert.Equal(t, inference.DefaultMaxParamsB, tooLarge.CeilingB)
}

func TestAcquireUnknownModel(t *testing.T) {
	svc := newTestService(t, testConfig())

	_, err := svc.Acquire(context.Background(), "test/never-configured")
	var loadErr *domain.ModelLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "test/never-configured", loadErr.ModelID)
}

func TestSessionLifecycle(t *testing.T) {
	rt := &testutils.ScriptedRuntime{ModelID: "test/small-7b"}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	sess, err := svc.Acquire(ctx, "test/small-7b")
	require.NoError(t, err)
	assert.Equal(t, "test/small-7b", sess.ModelID())
	assert.Equal(t, 8192, sess.ContextWindow())

	// Unloading while a session holds the model must fail.
	err = svc.Unload("test/small-7b")
	assert.ErrorIs(t, err, ports.ErrModelInUse)

	sess.Release()
	require.NoError(t, svc.Unload("test/small-7b"))
	assert.True(t, rt.Closed())

	// Released sessions reject further generation.
	_, err = sess.Generate(ctx, []string{"prompt"}, ports.GenerateOptions{})
	assert.ErrorIs(t, err, ports.ErrSessionReleased)

	// Release is idempotent.
	sess.Release()
}

func TestGenerateSubBatches(t *testing.T) {
	rt := &testutils.ScriptedRuntime{ModelID: "test/small-7b"}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())

	sess, err := svc.Acquire(context.Background(), "test/small-7b")
	require.NoError(t, err)
	defer sess.Release()

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt %d", i)
	}

	outputs, err := sess.Generate(context.Background(), prompts, ports.GenerateOptions{})
	require.NoError(t, err)
	assert.Len(t, outputs, 10)

	// Configured batch size 4 splits 10 prompts into 4+4+2.
	calls := rt.Calls()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].Prompts, 4)
	assert.Len(t, calls[1].Prompts, 4)
	assert.Len(t, calls[2].Prompts, 2)
	assert.Equal(t, "prompt 0", calls[0].Prompts[0])
	assert.Equal(t, "prompt 9", calls[2].Prompts[1])
}

func TestGenerateBatchSizeOverride(t *testing.T) {
	rt := &testutils.ScriptedRuntime{ModelID: "test/small-7b"}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())

	sess, err := svc.Acquire(context.Background(), "test/small-7b")
	require.NoError(t, err)
	defer sess.Release()

	_, err = sess.Generate(context.Background(),
		[]string{"a", "b", "c", "d"}, ports.GenerateOptions{BatchSize: 2})
	require.NoError(t, err)

	calls := rt.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].Prompts, 2)
}

func TestGenerateOutputCountMismatch(t *testing.T) {
	rt := &testutils.ScriptedRuntime{
		ModelID: "test/small-7b",
		Script: []testutils.CallFn{
			func(prompts []string, _ inference.RuntimeOptions) ([]ports.GenerationOutput, error) {
				return []ports.GenerationOutput{{Text: "only one"}}, nil
			},
		},
	}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())

	sess, err := svc.Acquire(context.Background(), "test/small-7b")
	require.NoError(t, err)
	defer sess.Release()

	_, err = sess.Generate(context.Background(), []string{"a", "b"}, ports.GenerateOptions{})
	assert.ErrorIs(t, err, ports.ErrInvalidResponse)
}

func TestPreloadAndIdleSweep(t *testing.T) {
	rt := &testutils.ScriptedRuntime{ModelID: "test/small-7b"}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())

	require.NoError(t, svc.Preload(context.Background(), "test/small-7b"))

	// Before the TTL passes nothing is evicted.
	assert.Zero(t, svc.SweepIdleForTest(time.Now()))

	// Past the TTL the unreferenced model unloads.
	assert.Equal(t, 1, svc.SweepIdleForTest(time.Now().Add(2*time.Minute)))
	assert.True(t, rt.Closed())
}

func TestSweepSkipsHeldSessions(t *testing.T) {
	rt := &testutils.ScriptedRuntime{ModelID: "test/small-7b"}
	testutils.RegisterStub(rt)
	svc := newTestService(t, testConfig())

	sess, err := svc.Acquire(context.Background(), "test/small-7b")
	require.NoError(t, err)
	defer sess.Release()

	assert.Zero(t, svc.SweepIdleForTest(time.Now().Add(time.Hour)))
	assert.False(t, rt.Closed())
}

func TestModelsOrder(t *testing.T) {
	testutils.RegisterStub(&testutils.ScriptedRuntime{})
	svc := newTestService(t, testConfig(
		inference.ModelSpec{ID: "test/a-7b", ParamsB: 7, ContextWindow: 4096, RuntimeKind: testutils.StubRuntimeKind},
		inference.ModelSpec{ID: "test/b-13b", ParamsB: 13, ContextWindow: 4096, RuntimeKind: testutils.StubRuntimeKind},
	))
	assert.Equal(t, []string{"test/a-7b", "test/b-13b"}, svc.Models())
}

func TestNewServiceRejectsDuplicateSpecs(t *testing.T) {
	cfg := testConfig(
		inference.ModelSpec{ID: "test/dup", ParamsB: 7, ContextWindow: 4096, RuntimeKind: testutils.StubRuntimeKind},
		inference.ModelSpec{ID: "test/dup", ParamsB: 7, ContextWindow: 4096, RuntimeKind: testutils.StubRuntimeKind},
	)
	_, err := inference.NewService(cfg, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
