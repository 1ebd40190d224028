// Package cmddiscover finds Moonraker hosts on the local network.
package cmddiscover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/discovery"
)

var CmdDiscover = &base.Command{
	Run:        runDiscover,
	UsageLine:  "kbot discover [flags]",
	Short:      "find Moonraker hosts over mDNS",
	FlagMask:   cfg.OmitAll,
	PrintFlags: true,
	Long: `
Browses the local network for Moonraker instances that announce themselves
over mDNS (the [zeroconf] component) and prints their endpoints.
`,
}

var (
	timeout time.Duration
	asJSON  bool
)

func init() {
	CmdDiscover.Flag.DurationVar(&timeout, "t", 3*time.Second, "browse `duration`")
	CmdDiscover.Flag.BoolVar(&asJSON, "json", false, "print as JSON")
}

func runDiscover(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spin, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Looking for Moonraker hosts")
	hosts, err := discovery.Browse(ctx)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		base.SetExitStatus(base.SApplicationError)
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hosts)
	}
	if len(hosts) == 0 {
		pterm.Warning.Println("no hosts found")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(hostTable(hosts)).Render()
}

func hostTable(hosts []discovery.Host) pterm.TableData {
	td := pterm.TableData{{"Instance", "Host", "Addresses", "Endpoint"}}
	for _, h := range hosts {
		addrs := make([]string, 0, len(h.Addrs))
		for _, a := range h.Addrs {
			addrs = append(addrs, a.String())
		}
		td = append(td, []string{h.Instance, h.HostName, strings.Join(addrs, " "), h.Endpoint()})
	}
	return td
}

