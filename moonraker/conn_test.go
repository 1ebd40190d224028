package moonraker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recHandler records connection events.
type recHandler struct {
	mu     sync.Mutex
	events []EventKind
}

func (h *recHandler) HandleFrame([]byte) {}

func (h *recHandler) HandleConnEvent(ev ConnEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev.Kind)
	h.mu.Unlock()
}

func (h *recHandler) kinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]EventKind(nil), h.events...)
}

func newTestManager(t *testing.T, d Dialer, base, max time.Duration) (*Manager, *recHandler) {
	t.Helper()
	m, err := newMetrics(nil)
	require.NoError(t, err)
	h := &recHandler{}
	mgr := newManager(d, NewBackoff(base, max, 0), h, discardLogger(), m)
	t.Cleanup(mgr.Shutdown)
	return mgr, h
}

var errRefused = &ConnectionError{Op: "dial", Err: errors.New("connection refused")}

func TestManager_failures(t *testing.T) {
	d := newFakeDialer()
	mgr, h := newTestManager(t, d, 20*time.Millisecond, 20*time.Millisecond)

	connected := make(chan error, 1)
	go func() { connected <- mgr.Connect(context.Background()) }()

	for i := 1; i <= 3; i++ {
		d.results <- dialResult{err: errRefused}
		require.Eventually(t, func() bool {
			info := mgr.Info()
			return info.Failures == i && !info.NextRetry.IsZero()
		}, 2*time.Second, time.Millisecond, "failure %d", i)
	}

	tr := newFakeTransport()
	d.results <- dialResult{t: tr}
	require.NoError(t, <-connected)
	info := mgr.Info()
	assert.Equal(t, StateConnected, info.State)
	assert.Zero(t, info.Failures, "reset on success")
	assert.True(t, info.NextRetry.IsZero())
	assert.Equal(t, 4, d.Dials())

	// a dropped connection is not a dial failure, the next failed dial is
	// counted from zero.
	tr.Close()
	d.results <- dialResult{err: errRefused}
	require.Eventually(t, func() bool { return mgr.Info().Failures == 1 }, 2*time.Second, time.Millisecond)
	tr2 := newFakeTransport()
	d.results <- dialResult{t: tr2}
	require.Eventually(t, func() bool { return mgr.Info().State == StateConnected }, 2*time.Second, time.Millisecond)
	info = mgr.Info()
	assert.Zero(t, info.Failures)
	assert.Equal(t, 1, info.Reconnects)
	assert.Equal(t, []EventKind{EventConnected, EventDisconnected, EventConnected}, h.kinds())
}

func TestManager_ShutdownDuringBackoff(t *testing.T) {
	d := newFakeDialer()
	mgr, _ := newTestManager(t, d, time.Hour, time.Hour)

	d.results <- dialResult{err: errRefused}
	connected := make(chan error, 1)
	go func() { connected <- mgr.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		info := mgr.Info()
		return info.Failures == 1 && time.Until(info.NextRetry) > 30*time.Minute
	}, 2*time.Second, time.Millisecond)

	start := time.Now()
	mgr.Shutdown()
	assert.Less(t, time.Since(start), time.Second)
	select {
	case <-mgr.Done():
	default:
		t.Fatal("manager not done after Shutdown")
	}
	assert.ErrorIs(t, <-connected, ErrShutdown)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials(), "no dial after Shutdown")
	assert.Equal(t, StateDisconnected, mgr.Info().State)
}
