// Package discovery finds Moonraker hosts on the local network over mDNS
// and advertises the status server.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_moonraker._tcp"
	Domain      = "local."

	statusServiceType = "_klipperbot._tcp"
)

// Host is a discovered Moonraker instance.
type Host struct {
	Instance string            `json:"instance"`
	HostName string            `json:"hostname"`
	Port     int               `json:"port"`
	Addrs    []net.IP          `json:"addrs"`
	Text     map[string]string `json:"text,omitempty"`
}

// Endpoint returns the websocket endpoint of the host.  An IPv4 address is
// preferred over the host name, as .local names do not always resolve.
func (h Host) Endpoint() string {
	host := strings.TrimSuffix(h.HostName, ".")
	if len(h.Addrs) > 0 {
		host = h.Addrs[0].String()
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(h.Port)),
		Path:   "/websocket",
	}
	return u.String()
}

func hostFromEntry(e *zeroconf.ServiceEntry) (Host, error) {
	if e == nil {
		return Host{}, errors.New("nil entry")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Host{}, fmt.Errorf("%s: invalid port %d", e.Instance, e.Port)
	}
	if e.HostName == "" && len(e.AddrIPv4) == 0 && len(e.AddrIPv6) == 0 {
		return Host{}, fmt.Errorf("%s: no address", e.Instance)
	}
	h := Host{
		Instance: unescape(e.Instance),
		HostName: strings.TrimSuffix(e.HostName, "."),
		Port:     e.Port,
		Addrs:    slices.Concat(e.AddrIPv4, e.AddrIPv6),
	}
	for _, kv := range e.Text {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		if h.Text == nil {
			h.Text = make(map[string]string)
		}
		h.Text[k] = v
	}
	return h, nil
}

// unescape removes the DNS escaping from the instance name.
func unescape(s string) string {
	return strings.ReplaceAll(s, `\`, "")
}

type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Browse collects the hosts announced until ctx is done.  Set a deadline on
// ctx to bound the search.
func Browse(ctx context.Context) ([]Host, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	return browse(ctx, r, slog.Default())
}

func browse(ctx context.Context, b browser, lg *slog.Logger) ([]Host, error) {
	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := b.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	seen := make(map[string]Host)
LOOP:
	for {
		select {
		case <-ctx.Done():
			break LOOP
		case e, ok := <-entries:
			if !ok {
				break LOOP
			}
			h, err := hostFromEntry(e)
			if err != nil {
				lg.DebugContext(ctx, "skipping entry", "error", err)
				continue
			}
			if _, dup := seen[h.Instance]; !dup {
				lg.DebugContext(ctx, "found host", "instance", h.Instance, "endpoint", h.Endpoint())
			}
			seen[h.Instance] = h
		}
	}
	hosts := make([]Host, 0, len(seen))
	for _, h := range seen {
		hosts = append(hosts, h)
	}
	slices.SortFunc(hosts, func(a, b Host) int { return strings.Compare(a.Instance, b.Instance) })
	return hosts, nil
}

// Advertiser announces the status server over mDNS.
type Advertiser zeroconf.Server

// Advertise registers the status server under the given instance name.
func Advertise(instance string, port int, endpoint string) (*Advertiser, error) {
	txt := []string{
		"txtvers=1",
		"path=/status",
		"moonraker=" + endpoint,
	}
	srv, err := zeroconf.Register(instance, statusServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return (*Advertiser)(srv), nil
}

func (a *Advertiser) Shutdown() {
	(*zeroconf.Server)(a).Shutdown()
}
