package moonraker

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Handler handles notifications on the reader goroutine, in arrival order.
// It must not block for long and must not wait for a call response.
type Handler interface {
	HandleNotification(n Notification)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(n Notification)

func (f HandlerFunc) HandleNotification(n Notification) { f(n) }

// Subscription is a buffered channel subscription to a topic.  When the
// buffer is full, notifications are dropped for this subscriber.
type Subscription struct {
	C <-chan Notification

	c       chan Notification
	topic   string
	r       *Router
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns the number of notifications dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.r.mu.Lock()
		s.r.subs[s.topic] = slices.DeleteFunc(s.r.subs[s.topic], func(x *Subscription) bool { return x == s })
		s.r.mu.Unlock()
		close(s.c)
	})
}

// Router classifies inbound frames: responses go to the dispatcher,
// notifications to the topic handlers and subscribers.
type Router struct {
	lg       *slog.Logger
	m        *metrics
	response func(inbound)
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	subs     map[string][]*Subscription
}

func newRouter(response func(inbound), lg *slog.Logger, m *metrics) *Router {
	if lg == nil {
		lg = slog.Default()
	}
	return &Router{
		lg:       lg,
		m:        m,
		response: response,
		now:      time.Now,
		handlers: make(map[string][]Handler),
		subs:     make(map[string][]*Subscription),
	}
}

// Handle registers h for the topic.  Handlers run synchronously on the
// reader goroutine.
func (r *Router) Handle(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = append(r.handlers[topic], h)
	r.mu.Unlock()
}

// HandleFunc registers f for the topic.
func (r *Router) HandleFunc(topic string, f func(Notification)) {
	r.Handle(topic, HandlerFunc(f))
}

// Subscribe returns a subscription to the topic with the given buffer size.
func (r *Router) Subscribe(topic string, buf int) *Subscription {
	c := make(chan Notification, max(buf, 1))
	s := &Subscription{C: c, c: c, topic: topic, r: r}
	r.mu.Lock()
	r.subs[topic] = append(r.subs[topic], s)
	r.mu.Unlock()
	return s
}

// HandleFrame parses and routes one inbound frame.
func (r *Router) HandleFrame(data []byte) {
	in, err := parseFrame(data, r.now())
	if err != nil {
		r.m.malformed.Inc()
		r.m.frames.WithLabelValues("malformed").Inc()
		r.lg.Warn("dropping frame", "error", err, "frame", truncate(data, 200))
		return
	}
	if in.isResponse {
		r.m.frames.WithLabelValues("response").Inc()
		r.response(in)
		return
	}
	r.m.frames.WithLabelValues("notification").Inc()
	r.dispatch(in.notification)
}

func (r *Router) dispatch(n Notification) {
	r.mu.RLock()
	topic := n.Method
	if len(r.handlers[topic]) == 0 && len(r.subs[topic]) == 0 {
		r.lg.Debug("unrecognised notification", "method", n.Method)
		topic = TopicUnrecognized
	}
	handlers := r.handlers[topic]
	r.mu.RUnlock()

	for _, h := range handlers {
		r.call(h, n)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs[topic] {
		select {
		case s.c <- n:
		default:
			s.dropped.Add(1)
			r.m.droppedNotify.WithLabelValues(topic).Inc()
			r.lg.Warn("subscriber buffer full, notification dropped", "topic", topic, "dropped", s.dropped.Load())
		}
	}
}

// call runs a handler, containing its panic so that the reader survives.
func (r *Router) call(h Handler, n Notification) {
	defer func() {
		if p := recover(); p != nil {
			r.lg.Error("notification handler panicked", "method", n.Method, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	h.HandleNotification(n)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
