// Package httpsrv implements the status server.
package httpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/power"
	"github.com/rusq/klipperbot/printerstate"
)

// Conn is the connection side of the client.
type Conn interface {
	Conn() moonraker.ConnInfo
	Pending() int
}

// Printer is the printer state accessor.
type Printer interface {
	State() printerstate.State
	Snapshot() printerstate.Snapshot
}

// Power is the power device accessor.
type Power interface {
	Devices() []power.Device
	Device(name string) (power.Device, error)
	Switch(ctx context.Context, name string, on bool) (power.Device, error)
	Toggle(ctx context.Context, name string) (power.Device, error)
}

type Server struct {
	conn    Conn
	prn     Printer
	pwr     Power
	gather  prometheus.Gatherer
	lg      *slog.Logger
	srv     *http.Server
	closers []func(context.Context) error
}

const hdrContentType = "Content-Type"

// Option is the server option.
type Option func(*Server)

// WithPower enables the /power endpoints.
func WithPower(p Power) Option {
	return func(s *Server) {
		s.pwr = p
	}
}

// WithGatherer sets the metrics source for /metrics.  Default is the
// prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gather = g
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.lg = lg
		}
	}
}

// WithOnShutdown adds a function that is called on Shutdown.
func WithOnShutdown(fn func(context.Context) error) Option {
	return func(s *Server) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// New returns a new status server.
func New(conn Conn, prn Printer, opts ...Option) (*Server, error) {
	if conn == nil || prn == nil {
		return nil, errors.New("connection and printer must be provided")
	}
	s := &Server{
		conn:   conn,
		prn:    prn,
		gather: prometheus.DefaultGatherer,
		lg:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lg = s.lg.With("component", "httpsrv")

	m := http.NewServeMux()
	m.HandleFunc("GET /status", s.handleStatus)
	m.HandleFunc("GET /healthz", s.handleHealth)
	m.Handle("GET /metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	if s.pwr != nil {
		m.HandleFunc("GET /power", s.handlePowerList)
		m.HandleFunc("GET /power/{name}", s.handlePowerGet)
		m.HandleFunc("POST /power/{name}/{action}", s.handlePowerSwitch)
	}
	s.srv = &http.Server{
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the server routes.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type statusResponse struct {
	State      printerstate.State     `json:"state"`
	Connection moonraker.ConnInfo     `json:"connection"`
	Pending    int                    `json:"pending"`
	Snapshot   *printerstate.Snapshot `json:"snapshot,omitempty"`
}

func (s *Server) status(full bool) statusResponse {
	resp := statusResponse{
		State:      s.prn.State(),
		Connection: s.conn.Conn(),
		Pending:    s.conn.Pending(),
	}
	if full {
		snap := s.prn.Snapshot()
		resp.Snapshot = &snap
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") != ""
	s.writeJSON(w, r, http.StatusOK, s.status(full))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.conn.Conn().State != moonraker.StateConnected {
		httpError(w, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set(hdrContentType, "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

func (s *Server) handlePowerList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.pwr.Devices())
}

func (s *Server) handlePowerGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.pwr.Device(r.PathValue("name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, d)
}

func (s *Server) handlePowerSwitch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")
	lg := s.lg.With("device", name, "action", action)

	var (
		d   power.Device
		err error
	)
	switch action {
	case "on", "off":
		d, err = s.pwr.Switch(r.Context(), name, action == "on")
	case "toggle":
		d, err = s.pwr.Toggle(r.Context(), name)
	default:
		httpError(w, http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, power.ErrUnknownDevice) {
			http.NotFound(w, r)
			return
		}
		lg.WarnContext(r.Context(), "power request failed", "error", err)
		s.writeJSON(w, r, http.StatusBadGateway, d)
		return
	}
	lg.InfoContext(r.Context(), "power request", "on", d.On)
	s.writeJSON(w, r, http.StatusOK, d)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set(hdrContentType, "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.lg.ErrorContext(r.Context(), "failed to encode response", "error", err, "path", r.URL.Path)
	}
}

func httpError(w http.ResponseWriter, code int) {
	http.Error(w, fmt.Sprintf("%d %s", code, http.StatusText(code)), code)
}

// Info writes the status report.
func (s *Server) Info(w io.Writer) {
	st := s.status(false)
	fmt.Fprintf(w, "connection: %s id=%s reconnects=%d failures=%d\n",
		st.Connection.StateName, st.Connection.ID, st.Connection.Reconnects, st.Connection.Failures)
	fmt.Fprintf(w, "pending calls: %d\n", st.Pending)
	fmt.Fprintf(w, "printer: %s", st.State.Lifecycle)
	if st.State.Filename != "" {
		fmt.Fprintf(w, " %s (%s)", st.State.Filename, st.State.Progress)
	}
	fmt.Fprintln(w)
	if s.pwr != nil {
		for _, d := range s.pwr.Devices() {
			fmt.Fprintf(w, "power %s: on=%t %s\n", d.Name, d.On, d.Err)
		}
	}
}

func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	return s.srv.ListenAndServe()
}

// Serve serves on the listener.
func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil // nothing to shutdown
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs error
	for _, fn := range append([]func(ctx context.Context) error{s.srv.Shutdown}, s.closers...) {
		if err := fn(sctx); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
