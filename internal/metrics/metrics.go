// Package metrics records directory operation telemetry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels reported with every operation.
const (
	OutcomeOK              = "ok"
	OutcomeError           = "error"
	OutcomeTimeout         = "timeout"
	OutcomeExclusiveAccess = "exclusive_access"
	OutcomeClosed          = "closed"
)

// Collector captures telemetry for blocking directory operations.
//
// Implementations are called inline after every operation and must be cheap.
type Collector interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	AddSearchEntries(count int)
	IncAbandoned()
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveOperation(string, string, time.Duration) {}
func (noopCollector) AddSearchEntries(int)                          {}
func (noopCollector) IncAbandoned()                                 {}

// PrometheusCollector exposes operation metrics via Prometheus.
type PrometheusCollector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	entries    prometheus.Counter
	abandoned  prometheus.Counter
}

// NewPrometheusCollector registers the metrics with reg. Metrics already
// registered by an earlier collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	operations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapsync_operations_total",
		Help: "Number of blocking directory operations by operation and outcome.",
	}, []string{"operation", "outcome"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ldapsync_operation_duration_seconds",
		Help:    "Time spent in blocking directory operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	entries, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ldapsync_search_entries_total",
		Help: "Number of entries returned by searches.",
	}))
	if err != nil {
		return nil, err
	}

	abandoned, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ldapsync_abandoned_requests_total",
		Help: "Number of requests abandoned explicitly, on close or on timeout.",
	}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		operations: operations,
		duration:   duration,
		entries:    entries,
		abandoned:  abandoned,
	}, nil
}

// register registers c, returning the existing collector of the same type
// when an identical one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// ObserveOperation counts one operation and records its duration.
func (p *PrometheusCollector) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.operations.WithLabelValues(operation, outcome).Inc()
	p.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AddSearchEntries adds count returned entries.
func (p *PrometheusCollector) AddSearchEntries(count int) {
	if p == nil || count <= 0 {
		return
	}
	p.entries.Add(float64(count))
}

// IncAbandoned counts one abandoned request.
func (p *PrometheusCollector) IncAbandoned() {
	if p == nil {
		return
	}
	p.abandoned.Inc()
}
