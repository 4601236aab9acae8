package inference

import (
	"context"
	"time"

	"github.com/convoscore/go-facet/internal/ports"
)

// metricsRuntime records call counts, latency, and token consumption for
// every generation batch.
type metricsRuntime struct {
	next      Runtime
	collector ports.MetricsCollector
}

// MetricsMiddleware creates middleware that reports generation metrics to
// the collector.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next Runtime) Runtime {
		return &metricsRuntime{next: next, collector: collector}
	}
}

func (m *metricsRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	start := time.Now()
	outputs, err := m.next.Complete(ctx, prompts, opts)
	labels := map[string]string{"model": m.next.Model()}

	m.collector.RecordLatency("inference_complete", time.Since(start), labels)

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.collector.RecordCounter("inference_calls_total", 1, map[string]string{
		"model":  m.next.Model(),
		"status": status,
	})
	m.collector.RecordHistogram("inference_batch_size", float64(len(prompts)), labels)

	var tokens int
	for _, out := range outputs {
		tokens += out.TokensUsed
	}
	if tokens > 0 {
		m.collector.RecordCounter("inference_tokens_total", float64(tokens), labels)
	}

	return outputs, err
}

func (m *metricsRuntime) Model() string { return m.next.Model() }

func (m *metricsRuntime) Close() error { return m.next.Close() }
