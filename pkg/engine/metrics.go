package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects inference statistics
type Metrics struct {
	inferences *prometheus.CounterVec
	duration   prometheus.Histogram
	elements   prometheus.Counter
}

// NewMetrics registers the inference metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inferences: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deeprestore",
				Subsystem: "engine",
				Name:      "inferences_total",
				Help:      "Number of engine invocations by outcome",
			},
			[]string{"success"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "deeprestore",
				Subsystem: "engine",
				Name:      "inference_duration_seconds",
				Help:      "Duration of one engine invocation",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		elements: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "deeprestore",
				Subsystem: "engine",
				Name:      "input_elements_total",
				Help:      "Number of tensor elements sent to the engine",
			},
		),
	}
}

// Instrumented records every Infer call of the wrapped engine
type Instrumented struct {
	Engine
	metrics *Metrics
}

// NewInstrumented wraps an engine with metrics collection
func NewInstrumented(e Engine, m *Metrics) *Instrumented {
	return &Instrumented{Engine: e, metrics: m}
}

// MaxSessions forwards the session limit of the wrapped engine
func (i *Instrumented) MaxSessions() int { return MaxSessions(i.Engine) }

func (i *Instrumented) Infer(ctx context.Context, in *Tensor) (*Tensor, error) {
	start := time.Now()
	out, err := i.Engine.Infer(ctx, in)
	i.metrics.duration.Observe(time.Since(start).Seconds())
	i.metrics.inferences.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	i.metrics.elements.Add(float64(len(in.Data)))
	return out, err
}
