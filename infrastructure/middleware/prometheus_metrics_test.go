package middleware

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestPrometheusMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	labels := map[string]string{"model": "test/small-7b", "status": "ok"}

	pm.RecordLatency("evaluate", 120*time.Millisecond, labels)
	pm.RecordCounter("inference_calls_total", 1, labels)
	pm.RecordCounter("inference_tokens_total", 512, labels)
	pm.RecordCounter("evaluations_total", 1, labels)
	pm.RecordCounter("degraded_units_total", 1,
		map[string]string{"model": "test/small-7b", "reason": "timeout"})
	pm.RecordCounter("engine_cache_hits", 1, labels)
	pm.RecordGauge("models_loaded", 1, labels)
	pm.RecordGauge("catalog_facets", 120, nil)
	pm.RecordHistogram("inference_batch_size", 8, labels)
	pm.RecordHistogram("evaluation_confidence", 0.82, labels)

	names := gatherNames(t, reg)
	for _, want := range []string{
		"engine_operation_duration_seconds",
		"inference_calls_total",
		"inference_tokens_total",
		"evaluations_total",
		"degraded_units_total",
		"engine_operations_total",
		"models_loaded",
		"engine_system_state",
		"inference_batch_size",
		"evaluation_confidence",
	} {
		assert.True(t, names[want], "metric %s not registered", want)
	}
}

func TestPrometheusMetricsSeparateRegistries(t *testing.T) {
	// Each instance can own its registry, so tests and embedded uses
	// never collide on metric names.
	assert.NotPanics(t, func() {
		NewPrometheusMetrics(prometheus.NewRegistry())
		NewPrometheusMetrics(prometheus.NewRegistry())
	})
}
