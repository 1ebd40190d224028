// Package cmdprint controls the print job.
package cmdprint

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/printerstate"
)

var CmdPrint = &base.Command{
	UsageLine: "kbot print",
	Short:     "start, pause, resume or cancel the print job",
	Long: `
Controls the print job.  With -wait the command returns once the printer
reports the expected state.
`,
	Commands: []*base.Command{
		cmdStart,
		control("pause", "pause the current print", (*moonraker.Client).PausePrint, printerstate.Paused),
		control("resume", "resume the paused print", (*moonraker.Client).ResumePrint, printerstate.Printing),
		control("cancel", "cancel the current print", (*moonraker.Client).CancelPrint, printerstate.Ready),
	},
}

var cmdStart = &base.Command{
	Run:        runStart,
	UsageLine:  "kbot print start [flags] <file>",
	Short:      "start printing a file",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Starts printing the gcode file.  The file name is relative to the gcodes
root, see 'kbot files list'.
`,
}

var wait bool

func init() {
	cmdStart.Flag.BoolVar(&wait, "wait", false, "wait until the printer reports the new state")
}

func runStart(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) != 1 {
		base.SetExitStatus(base.SInvalidParameters)
		return errors.New("expected exactly one file name")
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	if err := c.StartPrint(ctx, args[0]); err != nil {
		return bootstrap.Exit(err)
	}
	pterm.Success.Printfln("print of %s started", args[0])
	return waitFor(ctx, c, printerstate.Printing)
}

// control returns the command that calls fn.
func control(name, short string, fn func(*moonraker.Client, context.Context) error, target printerstate.Lifecycle) *base.Command {
	cmd := &base.Command{
		UsageLine:  "kbot print " + name + " [flags]",
		Short:      short,
		FlagMask:   cfg.OmitPowerFlags,
		PrintFlags: true,
		Long:       "\nSends the " + name + " request to the printer.\n",
	}
	cmd.Flag.BoolVar(&wait, "wait", false, "wait until the printer reports the new state")
	cmd.Run = func(ctx context.Context, cmd *base.Command, args []string) error {
		if len(args) > 0 {
			base.SetExitStatus(base.SInvalidParameters)
			return fmt.Errorf("unexpected arguments: %v", args)
		}
		c, err := bootstrap.Client(ctx)
		if err != nil {
			return err
		}
		if err := fn(c, ctx); err != nil {
			return bootstrap.Exit(err)
		}
		pterm.Success.Printfln("%s requested", name)
		return waitFor(ctx, c, target)
	}
	return cmd
}

func waitFor(ctx context.Context, c *moonraker.Client, target printerstate.Lifecycle) error {
	if !wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrap.SettleTimeout)
	defer cancel()
	st, err := c.State().Wait(ctx, func(s printerstate.State) bool { return s.Lifecycle == target })
	if err != nil {
		return bootstrap.Exit(fmt.Errorf("printer is %s, expected %s: %w", st.Lifecycle, target, err))
	}
	pterm.Info.Printfln("printer is %s", st.Lifecycle)
	return nil
}
