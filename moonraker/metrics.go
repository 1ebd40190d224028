package moonraker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "klipperbot"

// Call outcomes.
const (
	outcomeOK        = "ok"
	outcomeRPCError  = "rpc_error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeLost      = "connection_lost"
	outcomeSendError = "send_error"
)

// metrics holds the client collectors.  The collectors always exist, they
// are only registered when a Registerer is supplied.
type metrics struct {
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	reconnects    prometheus.Counter
	connState     prometheus.Gauge
	frames        *prometheus.CounterVec
	malformed     prometheus.Counter
	droppedNotify *prometheus.CounterVec
	unknownID     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from send to completion of RPC calls.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Calls awaiting a response.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "reconnects_total",
			Help:      "Connections established after the first one.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=closing).",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be parsed.",
		}),
		droppedNotify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "dropped_notifications_total",
			Help:      "Notifications dropped because a subscriber buffer was full.",
		}, []string{"topic"}),
		unknownID: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "unknown_responses_total",
			Help:      "Responses that matched no pending call.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.calls, err = Register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.callDuration, err = Register(reg, m.callDuration); err != nil {
		return nil, err
	}
	if m.inFlight, err = Register(reg, m.inFlight); err != nil {
		return nil, err
	}
	if m.reconnects, err = Register(reg, m.reconnects); err != nil {
		return nil, err
	}
	if m.connState, err = Register(reg, m.connState); err != nil {
		return nil, err
	}
	if m.frames, err = Register(reg, m.frames); err != nil {
		return nil, err
	}
	if m.malformed, err = Register(reg, m.malformed); err != nil {
		return nil, err
	}
	if m.droppedNotify, err = Register(reg, m.droppedNotify); err != nil {
		return nil, err
	}
	if m.unknownID, err = Register(reg, m.unknownID); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers c with reg.  If an equal collector is already
// registered, the existing one is returned and should be used instead of c,
// so that clients sharing a registry share the collectors.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
