package command

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts dispatches per command and outcome.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the executor metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anarchokv",
			Name:      "commands_total",
			Help:      "Dispatched commands by name and outcome.",
		}, []string{"cmd", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anarchokv",
			Name:      "command_duration_seconds",
			Help:      "Time spent validating and executing a command.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"cmd"}),
	}
	for _, c := range []prometheus.Collector{m.Calls, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WithMetrics records every dispatch in m.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// observe is deferred by Dispatch. Unknown commands share one label so
// clients cannot grow the label set.
func (m *Metrics) observe(name string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	var cerr *Error
	if errors.As(err, &cerr) {
		result = cerr.Phase.String() + "_error"
		if cerr.Phase == PhaseResolve {
			name = "unknown"
		}
	} else if err != nil {
		result = "error"
	}
	m.Calls.WithLabelValues(name, result).Inc()
	if err == nil {
		m.Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}
