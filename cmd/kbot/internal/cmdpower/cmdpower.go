// Package cmdpower switches the power devices.
package cmdpower

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/power"
)

var CmdPower = &base.Command{
	UsageLine: "kbot power",
	Short:     "list and switch power devices",
	Long: `
Lists and switches the power devices configured in Moonraker.  The state
shown is always the one confirmed by the host.
`,
	Commands: []*base.Command{
		cmdList,
		switcher("on", "turn the device on", func(ctx context.Context, p *power.Proxy, name string) (power.Device, error) {
			return p.Switch(ctx, name, true)
		}),
		switcher("off", "turn the device off", func(ctx context.Context, p *power.Proxy, name string) (power.Device, error) {
			return p.Switch(ctx, name, false)
		}),
		switcher("toggle", "toggle the device", func(ctx context.Context, p *power.Proxy, name string) (power.Device, error) {
			return p.Toggle(ctx, name)
		}),
	},
}

var cmdList = &base.Command{
	Run:        runList,
	UsageLine:  "kbot power list [flags]",
	Short:      "list power devices",
	PrintFlags: true,
	Long: `
Lists the power devices and their state.
`,
}

func runList(ctx context.Context, cmd *base.Command, args []string) error {
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
		return bootstrap.Exit(err)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(deviceTable(p.Devices()...)).Render()
}

func switcher(name, short string, fn func(context.Context, *power.Proxy, string) (power.Device, error)) *base.Command {
	return &base.Command{
		UsageLine:  "kbot power " + name + " [flags] <device>",
		Short:      short,
		PrintFlags: true,
		Long:       "\nSwitches the power device " + name + ".\n",
		Run: func(ctx context.Context, cmd *base.Command, args []string) error {
			if len(args) != 1 {
				base.SetExitStatus(base.SInvalidParameters)
				return errors.New("expected exactly one device name")
			}
			c, err := bootstrap.Client(ctx)
			if err != nil {
				return err
			}
			p, err := bootstrap.Power(ctx, c)
			if err != nil {
				return bootstrap.Exit(err)
			}
			d, err := fn(ctx, p, args[0])
			if err != nil {
				if errors.Is(err, power.ErrUnknownDevice) {
					base.SetExitStatus(base.SInvalidParameters)
					return err
				}
				pterm.DefaultTable.WithHasHeader().WithData(deviceTable(d)).WithWriter(os.Stderr).Render()
				return bootstrap.Exit(err)
			}
			return pterm.DefaultTable.WithHasHeader().WithData(deviceTable(d)).Render()
		},
	}
}

func deviceTable(devs ...power.Device) pterm.TableData {
	td := pterm.TableData{{"Device", "State", "Type", "Locked while printing", "Updated", "Error"}}
	for _, d := range devs {
		updated := ""
		if !d.Updated.IsZero() {
			updated = d.Updated.Format(time.TimeOnly)
		}
		td = append(td, []string{d.Name, onOff(d.On), d.Type, yesNo(d.LockedWhilePrinting), updated, d.Err})
	}
	return td
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
