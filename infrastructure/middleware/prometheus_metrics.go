// Package middleware provides cross-cutting concerns for the evaluation
// engine.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convoscore/go-facet/internal/ports"
)

// PrometheusMetrics implements the MetricsCollector interface using
// Prometheus. It covers inference throughput, evaluation outcomes, and
// model lifecycle state.
type PrometheusMetrics struct {
	inferenceCalls   *prometheus.CounterVec
	inferenceTokens  *prometheus.CounterVec
	evaluationsTotal *prometheus.CounterVec
	degradedUnits    *prometheus.CounterVec
	operationCounter *prometheus.CounterVec

	executionLatency *prometheus.HistogramVec
	batchSize        *prometheus.HistogramVec
	confidenceHist   *prometheus.HistogramVec

	modelsLoaded *prometheus.GaugeVec
	systemGauges *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance and registers
// all metrics in the given registry. A nil registerer uses the default
// global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		inferenceCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_calls_total",
				Help: "Total generation calls, by model and outcome.",
			},
			[]string{"model", "status"},
		),
		inferenceTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_tokens_total",
				Help: "Total tokens consumed across all generation calls.",
			},
			[]string{"model"},
		),
		evaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluations_total",
				Help: "Completed evaluations, by model and outcome.",
			},
			[]string{"model", "status"},
		),
		degradedUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "degraded_units_total",
				Help: "Prompt units that fell back to the degraded result.",
			},
			[]string{"model", "reason"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_operations_total",
				Help: "Total operations performed by the evaluation engine.",
			},
			[]string{"operation", "status"},
		),

		executionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_operation_duration_seconds",
				Help:    "Execution time of engine and inference operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "model"},
		),
		batchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_batch_size",
				Help:    "Prompt count per generation call, including halved retries.",
				Buckets: []float64{1, 2, 4, 8, 16, 32},
			},
			[]string{"model"},
		),
		confidenceHist: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evaluation_confidence",
				Help:    "Overall confidence distribution of completed evaluations.",
				Buckets: prometheus.LinearBuckets(0.0, 0.1, 11),
			},
			[]string{"model"},
		),

		modelsLoaded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "models_loaded",
				Help: "Whether a model's weights are currently resident.",
			},
			[]string{"model"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_system_state",
				Help: "Current system state values for the evaluation engine.",
			},
			[]string{"metric"},
		),
	}
}

// RecordLatency implements the MetricsCollector interface by recording
// execution latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(
	operation string,
	duration time.Duration,
	labels map[string]string,
) {
	pm.executionLatency.WithLabelValues(operation, labels["model"]).Observe(duration.Seconds())
}

// RecordCounter implements the MetricsCollector interface by incrementing
// Prometheus counters.
func (pm *PrometheusMetrics) RecordCounter(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case "inference_calls_total":
		pm.inferenceCalls.WithLabelValues(labels["model"], labels["status"]).Add(value)
	case "inference_tokens_total":
		pm.inferenceTokens.WithLabelValues(labels["model"]).Add(value)
	case "evaluations_total":
		pm.evaluationsTotal.WithLabelValues(labels["model"], labels["status"]).Add(value)
	case "degraded_units_total":
		pm.degradedUnits.WithLabelValues(labels["model"], labels["reason"]).Add(value)
	default:
		status, ok := labels["status"]
		if !ok {
			status = "success"
		}
		pm.operationCounter.WithLabelValues(metric, status).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface by setting
// Prometheus gauge values.
func (pm *PrometheusMetrics) RecordGauge(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case "models_loaded":
		pm.modelsLoaded.WithLabelValues(labels["model"]).Set(value)
	default:
		pm.systemGauges.WithLabelValues(metric).Set(value)
	}
}

// RecordHistogram implements the MetricsCollector interface by recording
// values in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordHistogram(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case "inference_batch_size":
		pm.batchSize.WithLabelValues(labels["model"]).Observe(value)
	case "evaluation_confidence":
		pm.confidenceHist.WithLabelValues(labels["model"]).Observe(value)
	default:
		pm.executionLatency.WithLabelValues(metric, labels["model"]).Observe(value)
	}
}

// Compile-time verification that PrometheusMetrics implements
// MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
