// Package cmdmachine implements the printer and host control commands.
package cmdmachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
)

var CmdMachine = &base.Command{
	UsageLine: "kbot machine",
	Short:     "emergency stop, restarts, host power",
	Long: `
Printer and host control.  The commands that shut down or reboot the host
require the -y flag.
`,
	Commands: []*base.Command{
		action("estop", "emergency stop the printer", false, (*moonraker.Client).EmergencyStop),
		action("firmware-restart", "restart the printer firmware", false, (*moonraker.Client).FirmwareRestart),
		action("restart", "restart the Klipper host software", false, (*moonraker.Client).RestartHost),
		action("shutdown", "shut down the host machine", true, (*moonraker.Client).ShutdownMachine),
		action("reboot", "reboot the host machine", true, (*moonraker.Client).RebootMachine),
		cmdService,
	},
}

var cmdService = &base.Command{
	Run:        runService,
	UsageLine:  "kbot machine service [flags] <name>",
	Short:      "restart a system service",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Restarts the system service, i.e. klipper, moonraker or crowsnest.
`,
}

var confirmed bool

func action(name, short string, confirm bool, fn func(*moonraker.Client, context.Context) error) *base.Command {
	cmd := &base.Command{
		UsageLine:  "kbot machine " + name + " [flags]",
		Short:      short,
		FlagMask:   cfg.OmitPowerFlags,
		PrintFlags: confirm,
		Long:       "\nSends the " + name + " request.\n",
	}
	if confirm {
		cmd.Flag.BoolVar(&confirmed, "y", false, "confirm the action")
	}
	cmd.Run = func(ctx context.Context, cmd *base.Command, args []string) error {
		if len(args) > 0 {
			base.SetExitStatus(base.SInvalidParameters)
			return fmt.Errorf("unexpected arguments: %v", args)
		}
		if confirm && !confirmed {
			base.SetExitStatus(base.SInvalidParameters)
			return fmt.Errorf("%s needs confirmation, run with -y", name)
		}
		c, err := bootstrap.Client(ctx)
		if err != nil {
			return err
		}
		if err := fn(c, ctx); err != nil {
			return bootstrap.Exit(err)
		}
		pterm.Success.Printfln("%s requested", name)
		return nil
	}
	return cmd
}

func runService(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) != 1 || args[0] == "" {
		base.SetExitStatus(base.SInvalidParameters)
		return errors.New("expected exactly one service name")
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	if err := c.RestartService(ctx, args[0]); err != nil {
		return bootstrap.Exit(err)
	}
	pterm.Success.Printfln("restart of %s requested", args[0])
	return nil
}
