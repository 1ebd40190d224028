// Package moonraker is a client for the Moonraker JSON-RPC API of a Klipper
// printer host.  It keeps a persistent websocket connection, multiplexes
// calls over it and follows the printer state.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/rusq/klipperbot"
	"github.com/rusq/klipperbot/printerstate"
)

// DefaultGCodeTimeout is the timeout of a G-code script, which may run a
// long time (homing, heating).
const DefaultGCodeTimeout = 5 * time.Minute

type options struct {
	callTimeout  time.Duration
	gcodeTimeout time.Duration
	writeTimeout time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	jitter       float64
	lg           *slog.Logger
	reg          prometheus.Registerer
	objects      []string
	identify     bool
	clientName   string
	version      string
	url          string
}

// Option configures the Client.
type Option func(*options)

// WithBackoff sets the reconnect delay base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.backoffBase = base
		o.backoffMax = max
	}
}

// WithJitter sets the jitter fraction added to reconnect delays.
func WithJitter(f float64) Option {
	return func(o *options) {
		o.jitter = f
	}
}

// WithCallTimeout sets the default call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithGCodeTimeout sets the timeout of G-code scripts.
func WithGCodeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gcodeTimeout = d
		}
	}
}

// WithWriteTimeout sets the frame write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithMetrics registers the client metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithObjects subscribes to additional printer objects, i.e. "extruder".
func WithObjects(names ...string) Option {
	return func(o *options) {
		o.objects = append(o.objects, names...)
	}
}

// WithIdentity sets how the client identifies itself to the host.  An empty
// name disables identification.
func WithIdentity(name, version, url string) Option {
	return func(o *options) {
		o.identify = name != ""
		o.clientName = name
		o.version = version
		o.url = url
	}
}

// Client is the connection to one printer host.  It is constructed once and
// shared; all methods are safe for concurrent use.
type Client struct {
	lg     *slog.Logger
	opts   options
	mgr    *Manager
	router *Router
	disp   *Dispatcher
	state  *printerstate.Machine
	sf     singleflight.Group

	connMu     sync.Mutex
	connCtx    context.Context
	connCancel context.CancelFunc
	handshakes sync.WaitGroup
}

// New creates the client.  Nothing happens on the network until Connect.
func New(d Dialer, opts ...Option) (*Client, error) {
	o := options{
		callTimeout:  klipperbot.DefaultCallTimeout,
		gcodeTimeout: DefaultGCodeTimeout,
		writeTimeout: DefaultWriteTimeout,
		backoffBase:  klipperbot.DefaultBackoffBase,
		backoffMax:   klipperbot.DefaultBackoffMax,
		jitter:       DefaultJitter,
		lg:           slog.Default(),
		identify:     true,
		clientName:   klipperbot.ClientName,
		version:      klipperbot.Version,
		url:          klipperbot.ClientURL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := newMetrics(o.reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	lg := o.lg.With("component", "moonraker")
	c := &Client{
		lg:   lg,
		opts: o,
		state: printerstate.New(
			printerstate.WithLogger(o.lg),
			printerstate.WithObjects(o.objects...),
			printerstate.WithRegisterer(o.reg),
		),
	}
	c.mgr = newManager(d, NewBackoff(o.backoffBase, o.backoffMax, o.jitter), c, lg, m)
	c.mgr.writeTimeout = o.writeTimeout
	c.disp = newDispatcher(c.mgr, o.callTimeout, lg, m)
	c.router = newRouter(c.disp.resolve, lg, m)

	c.router.HandleFunc(TopicStatusUpdate, c.onStatusUpdate)
	c.router.HandleFunc(TopicKlippyReady, c.onKlippyReady)
	c.router.HandleFunc(TopicKlippyShutdown, func(Notification) {
		c.state.SetHostState("shutdown", "")
	})
	c.router.HandleFunc(TopicKlippyDisconnect, func(Notification) {
		c.state.SetHostState("disconnected", "")
	})
	return c, nil
}

// Connect connects to the host and waits for the first connection.  The
// client reconnects on its own until Shutdown.
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.Connect(ctx)
}

// Shutdown closes the connection and stops reconnecting.  Pending calls
// fail with ErrConnectionLost.
func (c *Client) Shutdown() {
	c.mgr.Shutdown()
	c.disp.FailAll(ErrConnectionLost)
	c.handshakes.Wait()
}

// Done is closed when the client stopped, after Shutdown or a fatal error.
func (c *Client) Done() <-chan struct{} {
	return c.mgr.Done()
}

// Err returns the fatal error that stopped the client.
func (c *Client) Err() error {
	return c.mgr.Err()
}

// State returns the printer state machine.
func (c *Client) State() *printerstate.Machine {
	return c.state
}

// Router returns the notification router.
func (c *Client) Router() *Router {
	return c.router
}

// Conn returns the connection details.
func (c *Client) Conn() ConnInfo {
	return c.mgr.Info()
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	return c.disp.Pending()
}

// CallRaw issues the call and returns the raw result.  timeout <= 0 means
// the default call timeout.
func (c *Client) CallRaw(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-c.mgr.Done():
		return nil, ErrShutdown
	default:
	}
	return c.disp.Call(ctx, method, params, timeout)
}

// Call issues the call and decodes the result into result, unless it is
// nil.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := c.CallRaw(ctx, method, params, 0)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// HandleFrame implements ConnHandler.
func (c *Client) HandleFrame(data []byte) {
	c.router.HandleFrame(data)
}

// HandleConnEvent implements ConnHandler.
func (c *Client) HandleConnEvent(ev ConnEvent) {
	switch ev.Kind {
	case EventConnected:
		ctx, cancel := context.WithCancel(context.Background())
		c.connMu.Lock()
		c.connCtx, c.connCancel = ctx, cancel
		c.connMu.Unlock()

		c.state.SetConnected(true)
		c.handshakes.Add(1)
		go func() {
			defer c.handshakes.Done()
			c.handshake(ctx, ev.ConnID)
		}()
	case EventDisconnected:
		c.connMu.Lock()
		if c.connCancel != nil {
			c.connCancel()
		}
		c.connCtx, c.connCancel = nil, nil
		c.connMu.Unlock()

		if n := c.disp.FailAll(ErrConnectionLost); n > 0 && !errShutdownCause(ev.Err) {
			c.lg.Warn("connection lost with calls in flight", "conn_id", ev.ConnID, "calls", n)
		}
		c.state.SetConnected(false)
	}
}

// handshake runs after every (re)connect: identify, read the host state and
// subscribe to the printer objects if the host is ready.
func (c *Client) handshake(ctx context.Context, connID string) {
	lg := c.lg.With("conn_id", connID)
	if c.opts.identify {
		id, err := c.Identify(ctx)
		if err != nil {
			lg.WarnContext(ctx, "identify failed", "error", err)
		} else {
			lg.DebugContext(ctx, "identified", "connection_id", id)
		}
	}
	info, err := c.ServerInfo(ctx)
	if err != nil {
		lg.WarnContext(ctx, "server info failed", "error", err)
		return
	}
	var msg string
	if info.KlippyState == "error" || info.KlippyState == "shutdown" {
		if pi, err := c.PrinterInfo(ctx); err == nil {
			msg = pi.StateMessage
		}
	}
	lg.InfoContext(ctx, "host state", "klippy_state", info.KlippyState, "moonraker", info.MoonrakerVersion)
	c.state.SetHostState(info.KlippyState, msg)
	if info.KlippyState == "ready" {
		c.resubscribe(ctx, lg)
	}
}

// resubscribe subscribes to the printer objects.  The full status in the
// reply is applied on the reader goroutine before the next frame, so no
// delta that follows the reply is overwritten by it.
func (c *Client) resubscribe(ctx context.Context, lg *slog.Logger) {
	_, err := c.disp.CallApply(ctx, MethodObjectsSubscribe, objectsParam(c.state.Objects()), 0, func(raw json.RawMessage) error {
		var st ObjectStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return c.state.Resync(st.Status)
	})
	if err != nil {
		lg.WarnContext(ctx, "subscribe failed", "error", err)
	}
}

func (c *Client) onStatusUpdate(n Notification) {
	var d printerstate.Delta
	if err := n.Arg(0, &d); err != nil {
		c.lg.Warn("bad status update", "error", err)
		return
	}
	// the machine logs and counts deltas it can't merge.
	_ = c.state.ApplyStatus(d)
}

func (c *Client) onKlippyReady(Notification) {
	c.state.SetHostState("ready", "")
	c.connMu.Lock()
	ctx := c.connCtx
	c.connMu.Unlock()
	if ctx == nil {
		return
	}
	c.handshakes.Add(1)
	go func() {
		defer c.handshakes.Done()
		c.resubscribe(ctx, c.lg)
	}()
}
