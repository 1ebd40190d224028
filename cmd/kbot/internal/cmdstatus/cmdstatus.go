// Package cmdstatus prints the printer status.
package cmdstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/printerstate"
)

var CmdStatus = &base.Command{
	Run:        runStatus,
	UsageLine:  "kbot status [flags]",
	Short:      "print the printer status",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Connects to Moonraker, waits for the printer state to settle and prints it
together with the host information.
`,
}

var (
	asJSON bool
	full   bool
)

func init() {
	CmdStatus.Flag.BoolVar(&asJSON, "json", false, "print as JSON")
	CmdStatus.Flag.BoolVar(&full, "full", false, "include the raw status snapshot (JSON only)")
}

type report struct {
	State    printerstate.State     `json:"state"`
	Server   moonraker.ServerInfo   `json:"server"`
	Snapshot *printerstate.Snapshot `json:"snapshot,omitempty"`
}

func runStatus(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	st, err := bootstrap.Settled(ctx, c)
	if err != nil {
		cfg.Log.WarnContext(ctx, "printing the last known state", "error", err)
	}
	si, err := c.ServerInfo(ctx)
	if err != nil {
		return bootstrap.Exit(err)
	}
	r := report{State: st, Server: si}
	if asJSON {
		if full {
			snap := c.State().Snapshot()
			r.Snapshot = &snap
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return pterm.DefaultTable.WithData(table(r)).Render()
}

func table(r report) pterm.TableData {
	td := pterm.TableData{
		{"Printer", string(r.State.Lifecycle)},
	}
	if r.State.Filename != "" {
		td = append(td,
			[]string{"File", r.State.Filename},
			[]string{"Progress", r.State.Progress.String()},
			[]string{"Print time", r.State.PrintDuration.Round(time.Second).String()},
		)
	}
	if r.State.Error != "" {
		td = append(td, []string{"Error", r.State.Error})
	}
	if r.State.Message != "" {
		td = append(td, []string{"Message", r.State.Message})
	}
	if !r.State.Since.IsZero() {
		td = append(td, []string{"Since", r.State.Since.Format(time.DateTime)})
	}
	td = append(td,
		[]string{"Klippy", r.Server.KlippyState},
		[]string{"Moonraker", r.Server.MoonrakerVersion},
	)
	for _, w := range r.Server.Warnings {
		td = append(td, []string{"Warning", w})
	}
	return td
}
