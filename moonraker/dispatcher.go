package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sender writes a frame to the host.
type Sender interface {
	Send(ctx context.Context, p []byte) error
}

// PendingRequest is a call awaiting its response.
type PendingRequest struct {
	ID      int64
	Method  string
	Params  any
	Issued  time.Time
	Timeout time.Duration

	// onResult, if set, runs on the reader goroutine with a successful
	// result before the call completes, so that it sees the result before
	// any frame that follows the response.
	onResult func(json.RawMessage) error
	done     chan result
}

type result struct {
	raw     json.RawMessage
	err     error
	outcome string
}

// Dispatcher correlates calls with responses.  Ids start at 1 and are never
// reused.
type Dispatcher struct {
	send    Sender
	timeout time.Duration
	lg      *slog.Logger
	m       *metrics

	lastID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*PendingRequest
}

func newDispatcher(s Sender, timeout time.Duration, lg *slog.Logger, m *metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Dispatcher{
		send:    s,
		timeout: timeout,
		lg:      lg,
		m:       m,
		pending: make(map[int64]*PendingRequest),
	}
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) register(pr *PendingRequest) {
	d.mu.Lock()
	d.pending[pr.ID] = pr
	d.mu.Unlock()
	d.m.inFlight.Inc()
}

// remove takes the request with the given id out of the pending set.  The
// caller that removes a request is the only one allowed to complete it.
func (d *Dispatcher) remove(id int64) (*PendingRequest, bool) {
	d.mu.Lock()
	pr, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if ok {
		d.m.inFlight.Dec()
	}
	return pr, ok
}

// Call sends the request and waits for the response, the timeout, ctx or a
// connection loss, whichever comes first.  timeout <= 0 means the default
// timeout.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return d.call(ctx, method, params, timeout, nil)
}

// CallApply is Call with fn applied to a successful result on the reader
// goroutine, in frame order.  An error returned by fn is returned by the
// call.  fn must not block on another call.
func (d *Dispatcher) CallApply(ctx context.Context, method string, params any, timeout time.Duration, fn func(json.RawMessage) error) (json.RawMessage, error) {
	return d.call(ctx, method, params, timeout, fn)
}

func (d *Dispatcher) call(ctx context.Context, method string, params any, timeout time.Duration, fn func(json.RawMessage) error) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	pr := &PendingRequest{
		ID:      d.lastID.Add(1),
		Method:  method,
		Params:  params,
		Issued:  time.Now(),
		Timeout:  timeout,
		onResult: fn,
		done:     make(chan result, 1),
	}
	data, err := json.Marshal(request{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: pr.ID})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}
	lg := d.lg.With("method", method, "id", pr.ID)

	d.register(pr)
	if err := d.send.Send(ctx, data); err != nil {
		if _, ok := d.remove(pr.ID); ok {
			d.observe(pr, outcomeSendError)
			lg.DebugContext(ctx, "send failed", "error", err)
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		// completed by someone else in the meantime, i.e. FailAll.
	}
	lg.DebugContext(ctx, "call sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-pr.done:
		return r.raw, r.err
	case <-timer.C:
		if _, ok := d.remove(pr.ID); ok {
			d.observe(pr, outcomeTimeout)
			lg.WarnContext(ctx, "call timed out", "timeout", timeout)
			return nil, fmt.Errorf("%s (id %d): %w", method, pr.ID, ErrRequestTimeout)
		}
		r := <-pr.done
		return r.raw, r.err
	case <-ctx.Done():
		if _, ok := d.remove(pr.ID); ok {
			d.observe(pr, outcomeCancelled)
			lg.DebugContext(ctx, "call cancelled", "error", ctx.Err())
			return nil, fmt.Errorf("%s: %w", method, ctx.Err())
		}
		r := <-pr.done
		return r.raw, r.err
	}
}

func (d *Dispatcher) complete(pr *PendingRequest, r result) {
	d.observe(pr, r.outcome)
	pr.done <- r
}

func (d *Dispatcher) observe(pr *PendingRequest, outcome string) {
	d.m.calls.WithLabelValues(pr.Method, outcome).Inc()
	d.m.callDuration.WithLabelValues(pr.Method).Observe(time.Since(pr.Issued).Seconds())
}

// resolve completes the call the response belongs to.  Responses for
// unknown ids (late, after a timeout) are dropped.
func (d *Dispatcher) resolve(in inbound) {
	pr, ok := d.remove(in.id)
	if !ok {
		d.m.unknownID.Inc()
		d.lg.Debug("response for unknown id dropped", "id", in.id)
		return
	}
	if in.rpcErr != nil {
		e := *in.rpcErr
		e.Method = pr.Method
		d.complete(pr, result{err: &e, outcome: outcomeRPCError})
		return
	}
	r := result{raw: in.result, outcome: outcomeOK}
	if pr.onResult != nil {
		if err := pr.onResult(in.result); err != nil {
			r.err = fmt.Errorf("%s: %w", pr.Method, err)
		}
	}
	d.complete(pr, r)
}

// FailAll fails every pending call with err, atomically with respect to new
// registrations.
func (d *Dispatcher) FailAll(err error) int {
	d.mu.Lock()
	failed := d.pending
	d.pending = make(map[int64]*PendingRequest)
	d.mu.Unlock()
	for _, pr := range failed {
		d.m.inFlight.Dec()
		d.complete(pr, result{
			err:     fmt.Errorf("%s (id %d): %w", pr.Method, pr.ID, err),
			outcome: outcomeLost,
		})
	}
	if len(failed) > 0 {
		d.lg.Info("failed pending calls", "count", len(failed), "error", err)
	}
	return len(failed)
}
