package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/trace"
	"strings"
	"syscall"

	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdcall"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmddiscover"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdfiles"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdmachine"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdpower"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdprint"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdserve"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdstatus"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cmdwatch"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/help"
)

func init() {
	base.KbotCommand.Commands = []*base.Command{
		cmdwatch.CmdWatch,
		cmdstatus.CmdStatus,
		cmdcall.CmdCall,
		cmdcall.CmdGCode,
		cmdprint.CmdPrint,
		cmdmachine.CmdMachine,
		cmdfiles.CmdFiles,
		cmdfiles.CmdMacros,
		cmdpower.CmdPower,
		cmddiscover.CmdDiscover,
		cmdserve.CmdServe,
	}
}

func main() {
	flag.Usage = base.Usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		base.Usage()
		// Usage terminates the program.
		return
	}
	base.CmdName = args[0]
	if args[0] == "help" {
		help.Help(os.Stdout, args[1:])
		return
	}

BigCmdLoop:
	for bigCmd := base.KbotCommand; ; {
		for _, cmd := range bigCmd.Commands {
			if cmd.Name() != args[0] {
				continue
			}
			if len(cmd.Commands) > 0 {
				bigCmd = cmd
				args = args[1:]
				if len(args) == 0 {
					help.PrintUsage(os.Stderr, bigCmd)
					base.SetExitStatus(base.SHelpRequested)
					base.Exit()
				}
				if args[0] == "help" {
					help.Help(os.Stdout, append(strings.Split(base.CmdName, " "), args[1:]...))
					return
				}
				base.CmdName += " " + args[0]
				continue BigCmdLoop
			}
			if !cmd.Runnable() {
				continue
			}
			if err := invoke(cmd, args); err != nil {
				base.SetExitStatus(base.SGenericError)
				msg := fmt.Sprintf("%03[1]d (%[1]s): %[2]s.", base.ExitStatus(), err)
				slog.Error(msg)
			}
			base.Exit()
			return
		}
		helpArg := ""
		if i := strings.LastIndex(base.CmdName, " "); i >= 0 {
			helpArg = " " + base.CmdName[:i]
		}
		fmt.Fprintf(os.Stderr, "kbot %s: unknown command\nRun 'kbot help%s' for usage.\n", base.CmdName, helpArg)
		base.SetExitStatus(base.SInvalidParameters)
		base.Exit()
	}
}

func init() {
	base.Usage = mainUsage
}

func mainUsage() {
	help.PrintUsage(os.Stderr, base.KbotCommand)
	os.Exit(2)
}

func invoke(cmd *base.Command, args []string) error {
	if cmd.CustomFlags {
		args = args[1:]
	} else {
		var err error
		args, err = parseFlags(cmd, args)
		if err != nil {
			return err
		}
	}

	// maybe start trace
	if err := initTrace(cfg.TraceFile); err != nil {
		base.SetExitStatus(base.SGenericError)
		return fmt.Errorf("failed to start trace: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trapSigInfo()

	ctx, task := trace.NewTask(ctx, "command")
	defer task.End()

	// initialise default logging.
	if lg, err := initLog(cfg.LogFile, cfg.JSONHandler, cfg.Verbose); err != nil {
		return err
	} else {
		cfg.Log = lg.With("command", cmd.Name())
	}

	trace.Log(ctx, "command", fmt.Sprint("Running ", cmd.Name(), " command"))
	return cmd.Run(ctx, cmd, args)
}

func parseFlags(cmd *base.Command, args []string) ([]string, error) {
	cfg.SetBaseFlags(&cmd.Flag, cmd.FlagMask)
	cmd.Flag.Usage = func() { cmd.Usage() }
	if err := cmd.Flag.Parse(args[1:]); err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return nil, err
	}
	if err := cfg.Load(&cmd.Flag); err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return nil, err
	}
	return cmd.Flag.Args(), nil
}

// initTrace initialises the tracing.  If the filename is not empty, the file
// will be opened, trace will write to that file.  Returns the stop function
// that must be called in the deferred call.  If the error is returned the stop
// function is nil.
func initTrace(filename string) error {
	if filename == "" {
		return nil
	}

	slog.Debug("trace will be written to", "filename", filename)

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		slog.Warn("failed to start trace", "err", err)
		return nil
	}

	stop := func() {
		trace.Stop()
		if err := f.Close(); err != nil {
			slog.Warn("failed to close trace file", "filename", filename, "error", err)
		}
	}
	base.AtExit(stop)
	return nil
}

// initLog initialises the logging and returns the Logger. If the filename is
// not empty, the file will be opened, and the logger output will be switched
// to that file, the file is closed on exit.  The access token is redacted from
// all logged strings.
func initLog(filename string, jsonHandler bool, verbose bool) (*slog.Logger, error) {
	var opts = &slog.HandlerOptions{
		Level:       iftrue(verbose, slog.LevelDebug, slog.LevelInfo),
		ReplaceAttr: redactor(cfg.Token),
	}
	var w io.Writer = os.Stderr
	if filename != "" {
		lf, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			return slog.Default(), fmt.Errorf("failed to create the log file: %w", err)
		}
		log.SetOutput(lf) // redirect the standard log to the file just in case, panics will be logged there.
		base.AtExit(func() {
			if err := lf.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to close the log file: %s\n", err)
			}
		})
		w = lf
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if jsonHandler {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	slog.Debug("logging initialised", "filename", filename, "json", jsonHandler)

	return slog.Default(), nil
}

const redacted = "[REDACTED]"

// redactor returns the ReplaceAttr function that replaces the secret in the
// string attributes.
func redactor(secret string) func(groups []string, a slog.Attr) slog.Attr {
	if secret == "" {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			if s := a.Value.String(); strings.Contains(s, secret) {
				a.Value = slog.StringValue(strings.ReplaceAll(s, secret, redacted))
			}
		case slog.KindAny:
			if err, ok := a.Value.Any().(error); ok && strings.Contains(err.Error(), secret) {
				a.Value = slog.StringValue(strings.ReplaceAll(err.Error(), secret, redacted))
			}
		}
		return a
	}
}

func iftrue[T any](cond bool, t T, f T) T {
	if cond {
		return t
	}
	return f
}
