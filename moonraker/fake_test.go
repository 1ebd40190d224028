package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake transport closed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory Transport.  Frames pushed to in are read
// by the client, frames the client writes appear on out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-t.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, p []byte) error {
	select {
	case <-t.closed:
		return errFakeClosed
	default:
	}
	select {
	case t.out <- p:
		return nil
	case <-t.closed:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push queues a frame for the client.
func (t *fakeTransport) push(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	select {
	case t.in <- b:
	case <-t.closed:
	}
}

// notify queues a notification.
func (t *fakeTransport) notify(method string, params ...any) {
	t.push(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

type dialResult struct {
	t   Transport
	err error
}

// fakeDialer hands out queued results, one per Dial.
type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	dials   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.t, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type seenRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

// hostFunc answers a request.  A nil error object means success.
type hostFunc func(params json.RawMessage) (any, *wireError)

// fakeHost answers requests arriving on fake transports.
type fakeHost struct {
	mu       sync.Mutex
	handlers map[string]hostFunc
	hold     map[string]bool
	seen     []seenRequest
}

var readyStatus = map[string]any{
	"webhooks":       map[string]any{"state": "ready", "state_message": "Printer is ready"},
	"print_stats":    map[string]any{"state": "standby", "filename": ""},
	"virtual_sdcard": map[string]any{"file_position": 0, "file_size": 0, "is_active": false},
	"display_status": map[string]any{"progress": 0, "message": nil},
	"idle_timeout":   map[string]any{"state": "Idle", "printing_time": 0},
}

func newFakeHost() *fakeHost {
	h := &fakeHost{
		handlers: make(map[string]hostFunc),
		hold:     make(map[string]bool),
	}
	h.on(MethodIdentify, func(json.RawMessage) (any, *wireError) {
		return map[string]any{"connection_id": 1730}, nil
	})
	h.on(MethodServerInfo, func(json.RawMessage) (any, *wireError) {
		return map[string]any{"klippy_connected": true, "klippy_state": "ready", "moonraker_version": "v0.9.3"}, nil
	})
	h.on(MethodObjectsSubscribe, func(json.RawMessage) (any, *wireError) {
		return map[string]any{"eventtime": 1234.5, "status": readyStatus}, nil
	})
	return h
}

func (h *fakeHost) on(method string, f hostFunc) {
	h.mu.Lock()
	h.handlers[method] = f
	h.mu.Unlock()
}

// holdMethod makes the host never answer the method.
func (h *fakeHost) holdMethod(method string) {
	h.mu.Lock()
	h.hold[method] = true
	h.mu.Unlock()
}

// requests returns the requests seen for the method.
func (h *fakeHost) requests(method string) []seenRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []seenRequest
	for _, r := range h.seen {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// serve answers requests from t until it is closed.
func (h *fakeHost) serve(t *fakeTransport) {
	go func() {
		for {
			var p []byte
			select {
			case p = <-t.out:
			case <-t.closed:
				return
			}
			var req seenRequest
			if err := json.Unmarshal(p, &req); err != nil {
				panic(err)
			}
			h.mu.Lock()
			h.seen = append(h.seen, req)
			f, ok := h.handlers[req.Method]
			hold := h.hold[req.Method]
			h.mu.Unlock()
			if hold {
				continue
			}
			if !ok {
				t.push(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": wireError{Code: -32601, Message: "Method not found"}})
				continue
			}
			res, werr := f(req.Params)
			if werr != nil {
				t.push(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": werr})
				continue
			}
			t.push(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": res})
		}
	}()
}

func newTestClient(t *testing.T, d Dialer, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithJitter(0),
		WithCallTimeout(2 * time.Second),
		WithLogger(discardLogger()),
	}
	c, err := New(d, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

// connectedClient returns a client connected to a fake host.
func connectedClient(t *testing.T, opts ...Option) (*Client, *fakeDialer, *fakeHost, *fakeTransport) {
	t.Helper()
	d := newFakeDialer()
	h := newFakeHost()
	tr := newFakeTransport()
	h.serve(tr)
	d.results <- dialResult{t: tr}
	c := newTestClient(t, d, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c, d, h, tr
}
