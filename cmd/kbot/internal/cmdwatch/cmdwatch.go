// Package cmdwatch streams the printer state changes.
package cmdwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/printerstate"
)

var CmdWatch = &base.Command{
	Run:        runWatch,
	UsageLine:  "kbot watch [flags]",
	Short:      "stream printer state transitions and console output",
	PrintFlags: true,
	Long: `
Connects to Moonraker and prints every printer state transition until
interrupted.  Console (gcode) responses are printed too, unless -gcode=false
is given.  The connection is reestablished if lost.
`,
}

var (
	showGCode bool
	asJSON    bool
)

func init() {
	CmdWatch.Flag.BoolVar(&showGCode, "gcode", true, "print gcode console responses")
	CmdWatch.Flag.BoolVar(&asJSON, "json", false, "print transitions as JSON lines")
}

func runWatch(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	transitions, cancel := c.State().Subscribe(32)
	defer cancel()

	var gcode <-chan moonraker.Notification
	if showGCode {
		sub := c.Router().Subscribe(moonraker.TopicGCodeResponse, 64)
		defer sub.Close()
		gcode = sub.C
	}

	printState(os.Stdout, c.State().State())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return bootstrap.Exit(c.Err())
		case tr := <-transitions:
			if err := printTransition(os.Stdout, tr); err != nil {
				return err
			}
		case n := <-gcode:
			var line string
			if err := n.Arg(0, &line); err != nil {
				continue
			}
			fmt.Fprintf(os.Stdout, "%s  > %s\n", n.Received.Format(time.TimeOnly), line)
		}
	}
}

func printState(w io.Writer, st printerstate.State) {
	if asJSON {
		return
	}
	fmt.Fprintf(w, "%s  %s", time.Now().Format(time.TimeOnly), st.Lifecycle)
	if st.Filename != "" {
		fmt.Fprintf(w, " %s %s", st.Filename, st.Progress)
	}
	fmt.Fprintln(w)
}

func printTransition(w io.Writer, tr printerstate.Transition) error {
	if asJSON {
		return json.NewEncoder(w).Encode(tr)
	}
	fmt.Fprintf(w, "%s  %s -> %s (%s)", tr.At.Format(time.TimeOnly), tr.From, tr.To, tr.Event)
	if tr.Reason != "" {
		fmt.Fprintf(w, ": %s", tr.Reason)
	}
	if tr.State.Filename != "" {
		fmt.Fprintf(w, " [%s %s]", tr.State.Filename, tr.State.Progress)
	}
	_, err := fmt.Fprintln(w)
	return err
}
