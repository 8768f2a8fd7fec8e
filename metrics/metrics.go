// Package metrics exposes Prometheus instrumentation for the queue and
// worker. Wiring is optional; a nil *Collector disables all recording.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the task lifecycle metrics.
type Collector struct {
	Enqueued  prometheus.Counter
	Reserved  prometheus.Counter
	Succeeded prometheus.Counter
	Failed    prometheus.Counter
	InFlight  prometheus.Gauge
}

// NewCollector registers the task metrics with reg and returns the
// collector. Pass prometheus.DefaultRegisterer for the process default.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskq",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the producer.",
		}),
		Reserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskq",
			Name:      "tasks_reserved_total",
			Help:      "Tasks atomically reserved by workers.",
		}),
		Succeeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskq",
			Name:      "tasks_succeeded_total",
			Help:      "Tasks that reached the success state.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskq",
			Name:      "tasks_failed_total",
			Help:      "Tasks that reached the failed state.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskq",
			Name:      "tasks_in_flight",
			Help:      "Dispatches currently executing.",
		}),
	}
}

// AddEnqueued records n accepted submissions. Nil-safe.
func (c *Collector) AddEnqueued(n int) {
	if c == nil {
		return
	}
	c.Enqueued.Add(float64(n))
}

// AddReserved records n reserved tasks. Nil-safe.
func (c *Collector) AddReserved(n int) {
	if c == nil {
		return
	}
	c.Reserved.Add(float64(n))
}

// ObserveOutcome records one terminal transition. Nil-safe.
func (c *Collector) ObserveOutcome(succeeded bool) {
	if c == nil {
		return
	}
	if succeeded {
		c.Succeeded.Inc()
	} else {
		c.Failed.Inc()
	}
}

// DispatchStarted bumps the in-flight gauge. Nil-safe.
func (c *Collector) DispatchStarted() {
	if c == nil {
		return
	}
	c.InFlight.Inc()
}

// DispatchFinished drops the in-flight gauge. Nil-safe.
func (c *Collector) DispatchFinished() {
	if c == nil {
		return
	}
	c.InFlight.Dec()
}
