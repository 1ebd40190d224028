package printerstate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions  *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	inconsistent prometheus.Counter
	lifecycle    prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klipperbot",
			Subsystem: "printer",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by event.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klipperbot",
			Subsystem: "printer",
			Name:      "rejected_transitions_total",
			Help:      "Lifecycle edges rejected by the state machine.",
		}, []string{"from", "to"}),
		inconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "klipperbot",
			Subsystem: "printer",
			Name:      "inconsistent_deltas_total",
			Help:      "Status deltas discarded because they could not be merged.",
		}),
		lifecycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "klipperbot",
			Subsystem: "printer",
			Name:      "lifecycle",
			Help:      "Current lifecycle (0=disconnected 1=startup 2=ready 3=printing 4=paused 5=error 6=shutdown).",
		}),
	}
}

// register registers the collectors with reg, switching to the collectors
// already registered by another machine, if any.
func (m *metrics) register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	m.transitions = mustRegister(reg, m.transitions)
	m.rejected = mustRegister(reg, m.rejected)
	m.inconsistent = mustRegister(reg, m.inconsistent)
	m.lifecycle = mustRegister(reg, m.lifecycle)
}

func mustRegister[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
