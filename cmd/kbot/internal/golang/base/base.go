// Package base defines shared basic pieces of the kbot command,
// in particular the command structure and exit handling.
package base

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
)

// A Command is an implementation of a kbot command
// like kbot status or kbot power.
type Command struct {
	// Run runs the command.
	// The args are the arguments after the command name.
	Run func(ctx context.Context, cmd *Command, args []string) error

	// UsageLine is the one-line usage message.
	// The words between "kbot" and the first flag or argument in the line are taken to be the command name.
	UsageLine string

	// Short is the short description shown in the 'kbot help' output.
	Short string

	// Long is the long message shown in the 'kbot help <this-command>' output.
	Long string

	// Flag is a set of flags specific to this command.
	Flag flag.FlagSet

	// FlagMask selects the global flags that the command does not use.
	FlagMask cfg.FlagMask

	// PrintFlags enables printing of the flags in the help output.
	PrintFlags bool

	// CustomFlags indicates that the command will do its own
	// flag parsing.
	CustomFlags bool

	// Commands lists the available commands and help topics.
	// The order here is the order in which they are printed by 'kbot help'.
	// Note that subcommands are in general best avoided.
	Commands []*Command
}

var KbotCommand = &Command{
	UsageLine: "kbot",
	Long:      `kbot controls a Klipper 3D printer through the Moonraker API.`,
	// Commands initialised in package main
}

// LongName returns the command's long name: "power on" for "kbot power on".
func (c *Command) LongName() string {
	name := c.UsageLine
	if i := strings.Index(name, " ["); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(name, " <"); i >= 0 {
		name = name[:i]
	}
	if name == "kbot" {
		return ""
	}
	return strings.TrimPrefix(name, "kbot ")
}

// Name returns the command's short name: the last word in the usage line before a flag or argument.
func (c *Command) Name() string {
	name := c.LongName()
	if i := strings.LastIndex(name, " "); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func (c *Command) Usage() {
	fmt.Fprintf(os.Stderr, "usage: %s\n", c.UsageLine)
	fmt.Fprintf(os.Stderr, "Run 'kbot help %s' for details.\n", c.LongName())
	SetExitStatus(SHelpRequested)
	Exit()
}

// Runnable reports whether the command can be run; otherwise
// it is a documentation pseudo-command.
func (c *Command) Runnable() bool {
	return c.Run != nil
}

// CmdName is the name of the command being run, i.e. "power on".
var CmdName string

// Usage is the usage-reporting function, filled in by package main
// but here for reference by other packages.
var Usage func()
