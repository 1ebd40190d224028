package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/power"
	"github.com/rusq/klipperbot/printerstate"
)

// SettleTimeout is how long Settled waits for the printer state.
const SettleTimeout = 10 * time.Second

// Dialer returns the dialer for the configured endpoint.
func Dialer() (*moonraker.WSDialer, error) {
	tt, err := moonraker.ParseTokenType(cfg.TokenType)
	if err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return nil, err
	}
	return &moonraker.WSDialer{
		Endpoint:  cfg.Endpoint,
		Token:     cfg.Token,
		TokenType: tt,
	}, nil
}

// Client returns the connected client.  The client is shut down on exit.
func Client(ctx context.Context) (*moonraker.Client, error) {
	d, err := Dialer()
	if err != nil {
		return nil, err
	}
	c, err := moonraker.New(d,
		moonraker.WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
		moonraker.WithCallTimeout(cfg.CallTimeout),
		moonraker.WithLogger(cfg.Log),
		moonraker.WithMetrics(prometheus.DefaultRegisterer),
		moonraker.WithObjects(cfg.Objects...),
		moonraker.WithIdentity(cfg.ClientName, klipperbot.Version, klipperbot.ClientURL),
	)
	if err != nil {
		base.SetExitStatus(base.SApplicationError)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	spin, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Connecting to " + cfg.Endpoint)
	err = c.Connect(ctx)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		setConnectStatus(err)
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}
	base.AtExit(c.Shutdown)
	return c, nil
}

func setConnectStatus(err error) {
	var fe *moonraker.FatalError
	switch {
	case errors.As(err, &fe) && fe.StatusCode != 0:
		base.SetExitStatus(base.SAuthError)
	case errors.Is(err, context.Canceled):
		base.SetExitStatus(base.SCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		base.SetExitStatus(base.STimeout)
	default:
		base.SetExitStatus(base.SConnectionError)
	}
}

// Settled waits until the printer state is known: the host finished the
// startup and the first status arrived.  On timeout the current state is
// returned with an error.
func Settled(ctx context.Context, c *moonraker.Client) (printerstate.State, error) {
	ctx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	st, err := c.State().Wait(ctx, func(s printerstate.State) bool {
		return s.Connected && s.Lifecycle != printerstate.Startup && s.Lifecycle != printerstate.Disconnected
	})
	if err != nil {
		return st, fmt.Errorf("printer state not settled (%s): %w", st.Lifecycle, err)
	}
	return st, nil
}

// Power returns the power device proxy attached to the client.
func Power(ctx context.Context, c *moonraker.Client) (*power.Proxy, error) {
	p := power.New(c, cfg.PowerDevices, power.WithLogger(cfg.Log))
	p.Attach(c.Router())
	if err := p.Refresh(ctx); err != nil {
		if len(cfg.PowerDevices) == 0 {
			base.SetExitStatus(base.SApplicationError)
			return nil, err
		}
		cfg.Log.WarnContext(ctx, "power device list unavailable, using configured devices", "error", err)
	}
	return p, nil
}

// Exit sets the exit status for the error returned by a client call.
func Exit(err error) error {
	if err == nil {
		return nil
	}
	base.SetExitStatus(status(err))
	return err
}

func status(err error) base.StatusCode {
	var re *moonraker.RPCError
	switch {
	case errors.As(err, &re) && (re.Code == http.StatusUnauthorized || re.Code == http.StatusForbidden):
		return base.SAuthError
	case errors.As(err, &re):
		return base.SApplicationError
	case errors.Is(err, moonraker.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return base.STimeout
	case errors.Is(err, context.Canceled):
		return base.SCancelled
	case moonraker.IsTransient(err):
		return base.SConnectionError
	default:
		return base.SGenericError
	}
}
