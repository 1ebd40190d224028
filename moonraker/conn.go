package moonraker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"atomicgo.dev/schedule"
	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ConnState is the state of the connection manager.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind is the kind of a connection event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnEvent reports a connection being established or lost.
type ConnEvent struct {
	Kind   EventKind
	ConnID string
	Err    error // cause of the disconnect
	At     time.Time
}

// ConnHandler receives everything the manager reads.  Both methods are
// called on the reader goroutine and must not block on a call that needs a
// response, as the response is read by the same goroutine.
type ConnHandler interface {
	HandleFrame(data []byte)
	HandleConnEvent(ev ConnEvent)
}

// ConnInfo describes the current connection.
type ConnInfo struct {
	State       ConnState `json:"-"`
	StateName   string    `json:"state"`
	ID          string    `json:"id,omitempty"`
	Established time.Time `json:"established,omitzero"`
	Failures    int       `json:"failures"`
	NextRetry   time.Time `json:"next_retry,omitzero"`
	Reconnects  int       `json:"reconnects"`
}

// Manager owns the connection to the host.  It dials, reads frames until
// the connection drops and redials after a backoff delay, until Shutdown.
type Manager struct {
	dialer       Dialer
	bo           *Backoff
	h            ConnHandler
	lg           *slog.Logger
	m            *metrics
	writeTimeout time.Duration

	mu          sync.Mutex
	state       ConnState
	cur         Transport
	connID      string
	established time.Time
	failures    int
	nextRetry   time.Time
	reconnects  int
	connected   bool // connected at least once
	started     bool
	closed      bool
	cancel      context.CancelFunc
	err         error

	writeMu sync.Mutex

	done         chan struct{}
	shutdownOnce sync.Once
}

func newManager(d Dialer, bo *Backoff, h ConnHandler, lg *slog.Logger, m *metrics) *Manager {
	if lg == nil {
		lg = slog.Default()
	}
	return &Manager{
		dialer:       d,
		bo:           bo,
		h:            h,
		lg:           lg,
		m:            m,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

// Connect starts the manager and waits until the first connection is
// established.  If ctx is done first, or the host rejects the handshake, the
// manager is shut down and the error returned.
func (c *Manager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, first)

	select {
	case err := <-first:
		if err != nil {
			c.Shutdown()
			return err
		}
		return nil
	case <-ctx.Done():
		c.Shutdown()
		return ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrShutdown
	}
}

// Shutdown stops the manager: a scheduled reconnect is abandoned and the
// live connection is closed.  It waits for the reader to exit and is safe to
// call more than once.
func (c *Manager) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started, cancel := c.started, c.cancel
		c.mu.Unlock()
		if !started {
			close(c.done)
			return
		}
		cancel()
		<-c.done
	})
}

// Done is closed when the manager has stopped.
func (c *Manager) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error that stopped the manager, if any.
func (c *Manager) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Info returns the connection details.
func (c *Manager) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		State:       c.state,
		StateName:   c.state.String(),
		ID:          c.connID,
		Established: c.established,
		Failures:    c.failures,
		NextRetry:   c.nextRetry,
		Reconnects:  c.reconnects,
	}
}

func (c *Manager) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.m.connState.Set(float64(s))
}

// Send writes one frame.  Writes are serialised; a write is bounded by the
// write timeout and is not interrupted by ctx, so that a cancelled caller
// can't tear the connection down.
func (c *Manager) Send(ctx context.Context, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	t := c.cur
	c.mu.Unlock()
	if t == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	if err := t.Write(wctx, p); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (c *Manager) run(ctx context.Context, first chan<- error) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}
	for {
		c.setState(StateConnecting)
		t, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsFatal(err) {
				c.lg.Error("host rejected the connection, giving up", "error", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				report(err)
				return
			}
			c.mu.Lock()
			c.failures++
			n := c.failures
			c.mu.Unlock()
			delay := c.bo.Next()
			c.lg.Warn("connection attempt failed", "error", err, "failures", n, "retry_in", delay)
			if !c.wait(ctx, delay) {
				return
			}
			continue
		}

		err = c.serve(ctx, t, func() { report(nil) })
		if ctx.Err() != nil {
			return
		}
		delay := c.bo.Next()
		c.lg.Warn("connection lost, reconnecting", "error", err, "retry_in", delay)
		if !c.wait(ctx, delay) {
			return
		}
	}
}

// serve runs one connection until it fails.
func (c *Manager) serve(ctx context.Context, t Transport, onUp func()) error {
	id := uuid.NewString()
	now := time.Now()

	c.mu.Lock()
	c.cur = t
	c.connID = id
	c.established = now
	c.failures = 0
	c.nextRetry = time.Time{}
	c.state = StateConnected
	if c.connected {
		c.reconnects++
		c.m.reconnects.Inc()
	}
	c.connected = true
	c.mu.Unlock()
	c.m.connState.Set(float64(StateConnected))
	c.bo.Reset()

	lg := c.lg.With("conn_id", id)
	lg.Info("connected")
	c.h.HandleConnEvent(ConnEvent{Kind: EventConnected, ConnID: id, At: now})
	onUp()

	err := c.readLoop(ctx, t)

	c.mu.Lock()
	c.cur = nil
	c.connID = ""
	c.state = StateClosing
	c.mu.Unlock()
	c.m.connState.Set(float64(StateClosing))
	if cerr := t.Close(); cerr != nil {
		lg.Debug("close", "error", cerr)
	}
	if ctx.Err() != nil {
		err = ErrShutdown
	}
	lg.Info("disconnected", "error", err)
	c.h.HandleConnEvent(ConnEvent{Kind: EventDisconnected, ConnID: id, Err: err, At: time.Now()})
	return err
}

func (c *Manager) readLoop(ctx context.Context, t Transport) error {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			return &ConnectionError{Op: "read", Err: err}
		}
		c.h.HandleFrame(data)
	}
}

// wait schedules the next attempt after d and waits for it.  It returns
// false if ctx is done first.  The task is stopped on return either way.
func (c *Manager) wait(ctx context.Context, d time.Duration) bool {
	fire := make(chan struct{}, 1)
	// Every never stops on its own, so the deferred Stop is the only one.
	task := schedule.Every(d, func() bool {
		select {
		case fire <- struct{}{}:
		default:
		}
		return false
	})
	defer task.Stop()

	c.mu.Lock()
	c.state = StateDisconnected
	c.nextRetry = time.Now().Add(d)
	c.mu.Unlock()
	c.m.connState.Set(float64(StateDisconnected))

	select {
	case <-fire:
		return true
	case <-ctx.Done():
		return false
	}
}

// errShutdownCause reports whether err was caused by Shutdown.
func errShutdownCause(err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled)
}
