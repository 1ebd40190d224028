// Package cmdcall implements the raw call and gcode commands.
package cmdcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
)

var CmdCall = &base.Command{
	Run:        runCall,
	UsageLine:  "kbot call [flags] <method> [json params]",
	Short:      "call a Moonraker API method",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Calls the Moonraker JSON-RPC method with the optional params object and
prints the result.  Example:

	kbot call printer.objects.query '{"objects":{"print_stats":null}}'
`,
}

var CmdGCode = &base.Command{
	Run:        runGCode,
	UsageLine:  "kbot gcode [flags] <script or - for stdin>",
	Short:      "run a gcode script",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Runs the gcode script on the printer and prints the console output produced
while it runs.  Multiple arguments are joined with spaces, use '-' to read
the script from stdin.
`,
}

var callTimeout time.Duration

func init() {
	CmdCall.Flag.DurationVar(&callTimeout, "call-timeout", 0, "timeout for this call, default is -timeout")
}

func runCall(ctx context.Context, cmd *base.Command, args []string) error {
	method, params, err := parseCallArgs(args)
	if err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return err
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	var p any
	if params != nil {
		p = params
	}
	raw, err := c.CallRaw(ctx, method, p, callTimeout)
	if err != nil {
		return bootstrap.Exit(err)
	}
	return printJSON(os.Stdout, raw)
}

func parseCallArgs(args []string) (string, json.RawMessage, error) {
	switch len(args) {
	case 1:
		return args[0], nil, nil
	case 2:
		p := json.RawMessage(args[1])
		if !json.Valid(p) {
			return "", nil, fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		return args[0], p, nil
	default:
		return "", nil, errors.New("expected a method and an optional params object")
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func runGCode(ctx context.Context, cmd *base.Command, args []string) error {
	script, err := readScript(args, os.Stdin)
	if err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return err
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	sub := c.Router().Subscribe(moonraker.TopicGCodeResponse, 256)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- c.RunGCode(ctx, script) }()
	for {
		select {
		case n := <-sub.C:
			var line string
			if n.Arg(0, &line) == nil {
				fmt.Println(line)
			}
		case err := <-done:
			// print what is already buffered
			for len(sub.C) > 0 {
				var line string
				if (<-sub.C).Arg(0, &line) == nil {
					fmt.Println(line)
				}
			}
			return bootstrap.Exit(err)
		}
	}
}

func readScript(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 {
		return "", errors.New("expected a gcode script")
	}
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read script from stdin: %w", err)
		}
		args = []string{string(b)}
	}
	script := strings.TrimSpace(strings.Join(args, " "))
	if script == "" {
		return "", errors.New("empty script")
	}
	return script, nil
}
