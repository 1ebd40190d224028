// Package cmdserve runs the status server.
package cmdserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/discovery"
	"github.com/rusq/klipperbot/httpsrv"
)

var CmdServe = &base.Command{
	Run:        runServe,
	UsageLine:  "kbot serve [flags]",
	Short:      "start the status server",
	PrintFlags: true,
	Long: `
Keeps the connection to Moonraker open and serves the printer status:

	GET  /status                   printer and connection state (?full=1 adds the raw status)
	GET  /power                    power devices
	POST /power/{device}/{action}  switch a device: on, off or toggle
	GET  /metrics                  Prometheus metrics
	GET  /healthz                  200 when connected to Moonraker
`,
}

var (
	addr      string
	advertise string
)

func init() {
	CmdServe.Flag.StringVar(&addr, "addr", "localhost:8125", "listen `address`")
	CmdServe.Flag.StringVar(&advertise, "mdns", "", "advertise the server over mDNS under the instance `name`")
}

func runServe(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	p, err := bootstrap.Power(ctx, c)
	if err != nil {
		return err
	}

	opts := []httpsrv.Option{
		httpsrv.WithPower(p),
		httpsrv.WithGatherer(prometheus.DefaultGatherer),
		httpsrv.WithLogger(cfg.Log),
	}
	if advertise != "" {
		adv, err := startAdvertiser(advertise, addr)
		if err != nil {
			base.SetExitStatus(base.SInvalidParameters)
			return err
		}
		opts = append(opts, httpsrv.WithOnShutdown(func(context.Context) error {
			adv.Shutdown()
			return nil
		}))
	}
	s, err := httpsrv.New(c, c.State(), opts...)
	if err != nil {
		base.SetExitStatus(base.SApplicationError)
		return err
	}
	cfg.RegisterSigInfoReporter(s.Info)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := s.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			base.SetExitStatus(base.SApplicationError)
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-c.Done():
			// the client stops only on a fatal error
			return bootstrap.Exit(fmt.Errorf("moonraker connection stopped: %w", c.Err()))
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := s.Shutdown(context.Background()); err != nil {
			slog.Error("error shutting down server", "err", err)
			return err
		}
		slog.Info("server shut down successfully")
		return nil
	})
	return g.Wait()
}

func startAdvertiser(name, addr string) (*discovery.Advertiser, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return discovery.Advertise(name, n, cfg.Endpoint)
}
