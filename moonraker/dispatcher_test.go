package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recSender records frames and optionally fails.
type recSender struct {
	mu     sync.Mutex
	frames []seenRequest
	sent   chan seenRequest
	err    error
}

func newRecSender() *recSender {
	return &recSender{sent: make(chan seenRequest, 64)}
}

func (s *recSender) Send(_ context.Context, p []byte) error {
	if s.err != nil {
		return s.err
	}
	var req seenRequest
	if err := json.Unmarshal(p, &req); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, req)
	s.mu.Unlock()
	s.sent <- req
	return nil
}

func newTestDispatcher(t *testing.T, s Sender) *Dispatcher {
	t.Helper()
	m, err := newMetrics(nil)
	require.NoError(t, err)
	return newDispatcher(s, time.Second, discardLogger(), m)
}

type callResult struct {
	raw json.RawMessage
	err error
}

func goCall(ctx context.Context, d *Dispatcher, method string, params any, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		raw, err := d.Call(ctx, method, params, timeout)
		ch <- callResult{raw, err}
	}()
	return ch
}

func TestDispatcher_Call_gcodeScript(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	res := goCall(context.Background(), d, MethodGCodeScript, map[string]string{"script": "G28"}, 0)
	req := <-s.sent
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, MethodGCodeScript, req.Method)
	assert.JSONEq(t, `{"script":"G28"}`, string(req.Params))
	assert.Equal(t, 1, d.Pending())

	d.resolve(inbound{isResponse: true, id: 1, result: json.RawMessage(`"ok"`)})
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, `"ok"`, string(r.raw))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_Call_rpcError(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	res := goCall(context.Background(), d, MethodPrintStart, map[string]string{"filename": "nope.gcode"}, 0)
	req := <-s.sent
	d.resolve(inbound{isResponse: true, id: req.ID, rpcErr: &RPCError{Code: 400, Message: "File nope.gcode does not exist"}})
	r := <-res
	var re *RPCError
	require.ErrorAs(t, r.err, &re)
	assert.Equal(t, 400, re.Code)
	assert.Equal(t, "File nope.gcode does not exist", re.Message)
	assert.Equal(t, MethodPrintStart, re.Method)
	assert.Equal(t, ClassInvalid, Classify(r.err))
}

func TestDispatcher_Call_timeout(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	res := goCall(context.Background(), d, MethodServerInfo, nil, 20*time.Millisecond)
	req := <-s.sent
	r := <-res
	assert.ErrorIs(t, r.err, ErrRequestTimeout)
	assert.True(t, IsTransient(r.err))
	assert.Equal(t, 0, d.Pending())

	// a late response is dropped
	d.resolve(inbound{isResponse: true, id: req.ID, result: json.RawMessage(`{}`)})
	assert.Equal(t, 1.0, testutil.ToFloat64(d.m.unknownID))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.m.calls.WithLabelValues(MethodServerInfo, outcomeTimeout)))
}

func TestDispatcher_Call_cancelLeavesOthers(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := goCall(ctx, d, "a", nil, 0)
	<-s.sent
	other := goCall(context.Background(), d, "b", nil, 0)
	reqB := <-s.sent
	require.Equal(t, 2, d.Pending())

	cancel()
	r := <-cancelled
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 1, d.Pending())

	d.resolve(inbound{isResponse: true, id: reqB.ID, result: json.RawMessage(`1`)})
	r = <-other
	require.NoError(t, r.err)
	assert.Equal(t, "1", string(r.raw))
}

func TestDispatcher_FailAll(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	r1 := goCall(context.Background(), d, "one", nil, 0)
	r2 := goCall(context.Background(), d, "two", nil, 0)
	<-s.sent
	<-s.sent
	require.Equal(t, 2, d.Pending())

	assert.Equal(t, 2, d.FailAll(ErrConnectionLost))
	for _, ch := range []<-chan callResult{r1, r2} {
		r := <-ch
		assert.ErrorIs(t, r.err, ErrConnectionLost)
	}
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, d.FailAll(ErrConnectionLost))
}

func TestDispatcher_Call_sendError(t *testing.T) {
	s := newRecSender()
	s.err = &ConnectionError{Op: "send", Err: ErrNotConnected}
	d := newTestDispatcher(t, s)

	_, err := d.Call(context.Background(), MethodServerInfo, nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_idsNeverReused(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Call(context.Background(), "x", nil, 0)
		}()
	}
	seen := make(map[int64]bool)
	for range n {
		req := <-s.sent
		assert.False(t, seen[req.ID], "duplicate id %d", req.ID)
		seen[req.ID] = true
		d.resolve(inbound{isResponse: true, id: req.ID, result: json.RawMessage(`null`)})
	}
	wg.Wait()
	assert.Equal(t, 0, d.Pending())
}

// Every pending request completes exactly once, whichever of response and
// connection loss comes first.
func TestDispatcher_completesOnce(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	for range 20 {
		res := goCall(context.Background(), d, "race", nil, 0)
		req := <-s.sent
		go d.resolve(inbound{isResponse: true, id: req.ID, result: json.RawMessage(`true`)})
		go d.FailAll(ErrConnectionLost)
		r := <-res
		if r.err != nil {
			assert.True(t, errors.Is(r.err, ErrConnectionLost))
		} else {
			assert.Equal(t, "true", string(r.raw))
		}
	}
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"fatal", &FatalError{StatusCode: 401, Err: errors.New("unauthorized")}, ClassFatal},
		{"shutdown", ErrShutdown, ClassFatal},
		{"rpc", &RPCError{Code: 400}, ClassInvalid},
		{"malformed", ErrMalformedFrame, ClassInvalid},
		{"lost", ErrConnectionLost, ClassTransient},
		{"timeout", ErrRequestTimeout, ClassTransient},
		{"dial", &ConnectionError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcher_CallApply(t *testing.T) {
	s := newRecSender()
	d := newTestDispatcher(t, s)

	var applied []string
	res := make(chan callResult, 1)
	go func() {
		raw, err := d.CallApply(context.Background(), "test.apply", nil, 0, func(raw json.RawMessage) error {
			applied = append(applied, string(raw))
			return nil
		})
		res <- callResult{raw, err}
	}()
	req := <-s.sent
	d.resolve(inbound{isResponse: true, id: req.ID, result: json.RawMessage(`{"n":1}`)})
	// resolve has returned, so the result must already be applied.
	assert.Equal(t, []string{`{"n":1}`}, applied)
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, `{"n":1}`, string(r.raw))

	errBad := errors.New("bad status")
	go func() {
		raw, err := d.CallApply(context.Background(), "test.apply", nil, 0, func(json.RawMessage) error {
			return errBad
		})
		res <- callResult{raw, err}
	}()
	req = <-s.sent
	d.resolve(inbound{isResponse: true, id: req.ID, result: json.RawMessage(`{}`)})
	r = <-res
	assert.ErrorIs(t, r.err, errBad)

	called := false
	go func() {
		raw, err := d.CallApply(context.Background(), "test.apply", nil, 0, func(json.RawMessage) error {
			called = true
			return nil
		})
		res <- callResult{raw, err}
	}()
	req = <-s.sent
	d.resolve(inbound{isResponse: true, id: req.ID, rpcErr: &RPCError{Code: 400, Message: "nope"}})
	r = <-res
	var re *RPCError
	assert.ErrorAs(t, r.err, &re)
	assert.False(t, called, "not applied on error")
}
