// Package printerstate derives the printer lifecycle from the host status
// stream.
package printerstate

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
)

// State is a copy of the printer state.
type State struct {
	Lifecycle     Lifecycle     `json:"lifecycle"`
	Filename      string        `json:"filename,omitempty"`
	Progress      Progress      `json:"progress"`
	Error         string        `json:"error,omitempty"`
	Message       string        `json:"message,omitempty"`
	PrintDuration time.Duration `json:"print_duration"`
	Since         time.Time     `json:"since"`
	Connected     bool          `json:"connected"`
}

// Transition is published for every edge the machine takes.
type Transition struct {
	From   Lifecycle `json:"from"`
	To     Lifecycle `json:"to"`
	Event  string    `json:"event"`
	Reason string    `json:"reason"`
	State  State     `json:"state"`
	At     time.Time `json:"at"`
}

type subscriber struct {
	ch   chan Transition
	done chan struct{}
	once sync.Once
}

// Machine is the printer state machine.  It is safe for concurrent use.
type Machine struct {
	lg      *slog.Logger
	now     func() time.Time
	objects map[string]bool
	m       *metrics

	mu        sync.Mutex
	fsm       *fsm.FSM
	snap      Snapshot
	connected bool
	synced    bool // snapshot holds print data from the current connection
	since     time.Time
	lastErr   string
	rejected  Lifecycle // target of the last rejected edge

	qMu      sync.Mutex
	queue    []Transition
	draining bool

	pubMu sync.Mutex
	subs  []*subscriber
}

type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(m *Machine) {
		if lg != nil {
			m.lg = lg
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObjects adds subscribed objects that have no typed representation;
// their deltas are kept in Snapshot.Other.
func WithObjects(names ...string) Option {
	return func(m *Machine) {
		for _, n := range names {
			m.objects[n] = true
		}
	}
}

// WithRegisterer registers the machine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Machine) {
		m.m.register(reg)
	}
}

func New(opts ...Option) *Machine {
	m := &Machine{
		lg:      slog.Default(),
		now:     time.Now,
		objects: make(map[string]bool),
		m:       newMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lg = m.lg.With("component", "printerstate")
	m.since = m.now()
	m.fsm = newFSM(m.lg, func(ev, _, _ string) {
		m.m.transitions.WithLabelValues(ev).Inc()
	})
	m.m.lifecycle.Set(float64(slices.Index(Lifecycles, Disconnected)))
	return m
}

// Objects returns the names of all objects to subscribe to.
func (m *Machine) Objects() []string {
	out := slices.Clone(DefaultObjects)
	for n := range m.objects {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	slices.Sort(out[len(DefaultObjects):])
	return out
}

func (m *Machine) allowed(name string) bool {
	return m.objects[name]
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Snapshot returns a copy of the merged status.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

func (m *Machine) current() Lifecycle {
	return Lifecycle(m.fsm.Current())
}

func (m *Machine) stateLocked() State {
	l := m.current()
	st := State{
		Lifecycle:     l,
		Filename:      deref(m.snap.PrintStats.Filename),
		Progress:      m.snap.progress(),
		Message:       deref(m.snap.DisplayStatus.Message),
		PrintDuration: time.Duration(deref(m.snap.PrintStats.PrintDuration) * float64(time.Second)),
		Since:         m.since,
		Connected:     m.connected,
	}
	if l == Error || l == ShuttingDown {
		st.Error = m.lastErr
	}
	return st
}

// ApplyStatus merges a batch of deltas and derives the lifecycle once.  A
// delta that can't be merged is discarded as a whole, the rest of the batch
// is applied; the returned error joins all failures.
func (m *Machine) ApplyStatus(deltas ...Delta) error {
	m.mu.Lock()
	var errs []error
	for _, d := range deltas {
		snap, err := m.snap.merge(d, m.allowed)
		if err != nil {
			m.m.inconsistent.Inc()
			m.lg.Warn("discarding status delta", "error", err)
			errs = append(errs, err)
			continue
		}
		if _, ok := d[ObjPrintStats]; ok && m.connected && snap.hostState() == "ready" {
			m.synced = true
		}
		snap.Updated = m.now()
		m.snap = snap
	}
	m.commit()
	return errors.Join(errs...)
}

// Resync replaces the typed status with a full status, as returned by an
// object subscription, and marks the snapshot as current.
func (m *Machine) Resync(status Delta) error {
	m.mu.Lock()
	fresh := Snapshot{Webhooks: m.snap.Webhooks}
	snap, err := fresh.merge(status, m.allowed)
	if err != nil {
		m.m.inconsistent.Inc()
		m.mu.Unlock()
		m.lg.Warn("discarding full status", "error", err)
		return err
	}
	snap.Updated = m.now()
	m.snap = snap
	m.synced = m.connected
	m.commit()
	return nil
}

// SetConnected records a connection change.  The host state is unknown
// until the host reports it on the new connection.
func (m *Machine) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	m.synced = false
	m.snap.Webhooks = Webhooks{}
	m.commit()
}

// SetHostState records the host state reported by a host notification or
// the server info.
func (m *Machine) SetHostState(state, message string) {
	m.mu.Lock()
	if state != "ready" {
		m.synced = false
	}
	m.snap.Webhooks.State = &state
	if message != "" {
		m.snap.Webhooks.StateMessage = &message
	}
	m.commit()
}

// derive computes the target lifecycle from the snapshot.
func (m *Machine) derive() Lifecycle {
	if !m.connected {
		return Disconnected
	}
	switch m.snap.hostState() {
	case "":
		return Startup
	case "shutdown":
		return ShuttingDown
	case "disconnected":
		return Disconnected
	case "error":
		return Error
	case "ready":
		if !m.synced {
			return Startup
		}
		switch deref(m.snap.PrintStats.State) {
		case "printing":
			return Printing
		case "paused":
			return Paused
		case "error":
			return Error
		}
		return Ready
	}
	return Startup
}

func (m *Machine) errorText() string {
	if msg := deref(m.snap.PrintStats.Message); msg != "" && deref(m.snap.PrintStats.State) == "error" {
		return msg
	}
	return deref(m.snap.Webhooks.StateMessage)
}

func (m *Machine) reason(ev string) string {
	switch ev {
	case EvConnect:
		return "connected"
	case EvReady:
		return "host ready"
	case EvPrint:
		return "print started"
	case EvPause:
		return "paused"
	case EvResume:
		return "resumed"
	case EvFinish:
		switch deref(m.snap.PrintStats.State) {
		case "complete":
			return "completed"
		case "cancelled":
			return "cancelled"
		}
		return "stopped"
	case EvFail:
		return "error"
	case EvShutdown:
		return "host shutdown"
	case EvDisconnect:
		if m.connected {
			return "host disconnected"
		}
		return "connection lost"
	}
	return ev
}

// commit derives the target state, walks to it and publishes the
// transitions.  It must be called with mu held and releases it.
func (m *Machine) commit() {
	target := m.derive()
	from := m.current()
	if target == m.rejected {
		m.mu.Unlock()
		return
	}
	m.rejected = ""
	var trs []Transition
	for _, hop := range route(from, target) {
		src := m.current()
		ev := edgeEvent(src, hop)
		if err := m.fsm.Event(context.Background(), ev); err != nil {
			var iee fsm.InvalidEventError
			if errors.As(err, &iee) {
				m.rejected = target
				m.m.rejected.WithLabelValues(string(src), string(hop)).Inc()
				m.lg.Warn("rejected transition", "from", src, "to", hop, "target", target, "event", ev)
			} else {
				m.lg.Error("transition failed", "from", src, "to", hop, "event", ev, "error", err)
			}
			break
		}
		now := m.now()
		m.since = now
		if hop == Error || hop == ShuttingDown {
			m.lastErr = m.errorText()
		}
		m.m.lifecycle.Set(float64(slices.Index(Lifecycles, hop)))
		trs = append(trs, Transition{
			From:   src,
			To:     hop,
			Event:  ev,
			Reason: m.reason(ev),
			State:  m.stateLocked(),
			At:     now,
		})
	}
	if len(trs) == 0 {
		m.mu.Unlock()
		return
	}
	m.enqueue(trs)
	m.mu.Unlock()
}

// enqueue queues trs for delivery and starts the drain goroutine if it is
// not running.  Called with mu held, so the queue is in commit order.
func (m *Machine) enqueue(trs []Transition) {
	for _, tr := range trs {
		m.lg.Info("printer state changed", "from", tr.From, "to", tr.To, "event", tr.Event, "reason", tr.Reason)
	}
	m.qMu.Lock()
	m.queue = append(m.queue, trs...)
	start := !m.draining
	m.draining = true
	m.qMu.Unlock()
	if start {
		go m.drain()
	}
}

// drain delivers queued transitions in order until the queue is empty.
// Delivery to a subscriber blocks until it receives or cancels.
func (m *Machine) drain() {
	for {
		m.qMu.Lock()
		if len(m.queue) == 0 {
			m.queue = nil
			m.draining = false
			m.qMu.Unlock()
			return
		}
		tr := m.queue[0]
		m.queue = m.queue[1:]
		m.qMu.Unlock()

		m.pubMu.Lock()
		for _, s := range m.subs {
			select {
			case s.ch <- tr:
			case <-s.done:
			}
		}
		m.pubMu.Unlock()
	}
}

// Subscribe returns a channel that receives every transition delivered
// after the call, and a function that cancels the subscription and closes
// the channel.  Transitions are delivered in order, off the caller that
// caused them, so a subscriber may call back into the client.  A full
// channel holds back later transitions for every subscriber.
func (m *Machine) Subscribe(buf int) (<-chan Transition, func()) {
	s := &subscriber{
		ch:   make(chan Transition, max(buf, 0)),
		done: make(chan struct{}),
	}
	m.pubMu.Lock()
	m.subs = append(m.subs, s)
	m.pubMu.Unlock()
	return s.ch, func() {
		s.once.Do(func() {
			close(s.done)
			m.pubMu.Lock()
			m.subs = slices.DeleteFunc(m.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			m.pubMu.Unlock()
		})
	}
}

// Wait blocks until pred returns true for the current state or ctx is done.
func (m *Machine) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	ch, cancel := m.Subscribe(8)
	defer cancel()
	if st := m.State(); pred(st) {
		return st, nil
	}
	for {
		select {
		case <-ctx.Done():
			cancel()
			return m.State(), ctx.Err()
		case tr := <-ch:
			if pred(tr.State) {
				return tr.State, nil
			}
		}
	}
}
