package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga orchestrator.
type Metrics struct {
	registry     *prometheus.Registry
	sagaStarted  prometheus.Counter
	sagaTerminal *prometheus.CounterVec
	sagaDuration prometheus.Histogram

	stepAttempts *prometheus.CounterVec
	compensation *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	publishFailures prometheus.Counter

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	})

	sagaTerminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_terminal_total",
		Help: "Total number of sagas reaching a terminal state.",
	}, []string{"state"})

	sagaDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Duration from saga creation to terminal state in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	stepAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_attempts_total",
		Help: "Total number of step invocations by result.",
	}, []string{"step", "result"})

	compensation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensation_total",
		Help: "Total number of compensation runs by result.",
	}, []string{"result"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "saga_breaker_state",
		Help: "Circuit breaker state per downstream target (0=closed, 1=open, 2=half-open).",
	}, []string{"target"})

	publishFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_publish_failures_total",
		Help: "Total number of failed outcome publish attempts.",
	})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_pending",
		Help: "Number of pending messages in Redis Streams consumer groups.",
	}, []string{"stream", "group"})

	streamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_handler_errors_total",
		Help: "Total number of stream handler errors.",
	}, []string{"stream", "group"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_dlq_total",
		Help: "Total number of messages moved to Redis Stream DLQ.",
	}, []string{"stream", "group"})

	registry.MustRegister(sagaStarted, sagaTerminal, sagaDuration, stepAttempts,
		compensation, breakerState, publishFailures, streamPending, streamErrors, streamDLQ)

	return &Metrics{
		registry:        registry,
		sagaStarted:     sagaStarted,
		sagaTerminal:    sagaTerminal,
		sagaDuration:    sagaDuration,
		stepAttempts:    stepAttempts,
		compensation:    compensation,
		breakerState:    breakerState,
		publishFailures: publishFailures,
		streamPending:   streamPending,
		streamErrors:    streamErrors,
		streamDLQ:       streamDLQ,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSagaStarted increments the started saga counter.
func (m *Metrics) IncSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
}

// IncSagaTerminal increments the terminal-state counter.
func (m *Metrics) IncSagaTerminal(state string) {
	if m == nil {
		return
	}
	m.sagaTerminal.WithLabelValues(state).Inc()
}

// ObserveSagaDuration records the time a saga took to finish.
func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sagaDuration.Observe(d.Seconds())
}

// IncStepAttempt increments the step attempt counter.
func (m *Metrics) IncStepAttempt(step, result string) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(step, result).Inc()
}

// IncCompensation increments the compensation counter.
func (m *Metrics) IncCompensation(result string) {
	if m == nil {
		return
	}
	m.compensation.WithLabelValues(result).Inc()
}

// SetBreakerState sets the breaker state gauge for a target.
func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// IncPublishFailure increments the failed publish counter.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
