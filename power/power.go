// Package power tracks the power devices (outlets, relays, smart plugs)
// managed by the printer host.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rusq/klipperbot/moonraker"
)

// ErrUnknownDevice is returned for a device that is neither configured nor
// reported by the host.
var ErrUnknownDevice = errors.New("unknown power device")

// Client is the subset of the moonraker client the proxy uses.
type Client interface {
	PowerDevices(ctx context.Context) ([]moonraker.PowerDeviceStatus, error)
	SetPowerDevice(ctx context.Context, device string, on bool) (bool, error)
}

// Device is a copy of the device state.  On is only ever set from a host
// reply or a host push.
type Device struct {
	Name                string    `json:"name"`
	On                  bool      `json:"on"`
	Type                string    `json:"type,omitempty"`
	LockedWhilePrinting bool      `json:"locked_while_printing"`
	Err                 string    `json:"error,omitempty"`
	Updated             time.Time `json:"updated,omitzero"`
}

// Proxy is the power device accessor.  It is safe for concurrent use.
type Proxy struct {
	c   Client
	lg  *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	devices map[string]*Device
}

type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(p *Proxy) {
		if lg != nil {
			p.lg = lg
		}
	}
}

// New returns the proxy for the named devices.  More devices are picked up
// by Refresh and host pushes.
func New(c Client, names []string, opts ...Option) *Proxy {
	p := &Proxy{
		c:       c,
		lg:      slog.Default(),
		now:     time.Now,
		devices: make(map[string]*Device, len(names)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lg = p.lg.With("component", "power")
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			p.devices[n] = &Device{Name: n}
		}
	}
	return p
}

// Attach subscribes the proxy to the host power notifications.
func (p *Proxy) Attach(r *moonraker.Router) {
	r.HandleFunc(moonraker.TopicPowerChanged, p.onPowerChanged)
}

func (p *Proxy) onPowerChanged(n moonraker.Notification) {
	var st moonraker.PowerDeviceStatus
	if err := n.Arg(0, &st); err != nil {
		p.lg.Warn("bad power notification", "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked(st)
	p.lg.Debug("power device changed", "device", st.Device, "status", st.Status)
}

// updateLocked applies a host-confirmed status.
func (p *Proxy) updateLocked(st moonraker.PowerDeviceStatus) {
	d, ok := p.devices[st.Device]
	if !ok {
		d = &Device{Name: st.Device}
		p.devices[st.Device] = d
	}
	d.On = st.Status == "on"
	d.Type = st.Type
	d.LockedWhilePrinting = st.LockedWhilePrinting
	d.Updated = p.now()
	if st.Status == "error" {
		d.Err = "device reported error"
	} else {
		d.Err = ""
	}
}

// Refresh loads all devices from the host.
func (p *Proxy) Refresh(ctx context.Context) error {
	devs, err := p.c.PowerDevices(ctx)
	if err != nil {
		return fmt.Errorf("refresh power devices: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range devs {
		p.updateLocked(st)
	}
	return nil
}

// Device returns a copy of the named device.
func (p *Proxy) Device(name string) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[name]
	if !ok {
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return *d, nil
}

// Devices returns copies of all devices, sorted by name.
func (p *Proxy) Devices() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Switch turns the device on or off.  On success the state is taken from
// the host reply; on failure the error text is recorded and the state is
// left as it was.
func (p *Proxy) Switch(ctx context.Context, name string, on bool) (Device, error) {
	p.mu.Lock()
	_, ok := p.devices[name]
	p.mu.Unlock()
	if !ok {
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}

	lg := p.lg.With("device", name, "on", on)
	got, err := p.c.SetPowerDevice(ctx, name, on)

	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[name]
	if !ok {
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	d.Updated = p.now()
	if err != nil {
		d.Err = errorText(err)
		lg.WarnContext(ctx, "switch failed", "error", err)
		return *d, fmt.Errorf("switch %s: %w", name, err)
	}
	d.On = got
	d.Err = ""
	lg.InfoContext(ctx, "switched", "state", got)
	return *d, nil
}

// Toggle switches the device to the opposite of its current state.
func (p *Proxy) Toggle(ctx context.Context, name string) (Device, error) {
	d, err := p.Device(name)
	if err != nil {
		return Device{}, err
	}
	return p.Switch(ctx, name, !d.On)
}

// errorText is the message the host sent, or the error itself.
func errorText(err error) string {
	var re *moonraker.RPCError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}
