// Command qmpctl sends QMP commands to a running QEMU and prints events.
//
//	qmpctl --socket /run/qemu/vm.sock query-status
//	qmpctl --pid 1234 --arg device=drive0 --arg force=true eject
//	qmpctl --name myvm --watch SHUTDOWN --watch STOP
//	qmpctl --tcp 127.0.0.1:4444 --args-file backup.jsonc drive-backup
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
	"golang.org/x/term"

	"github.com/KarpelesLab/qmp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "qmpctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	opts, command, err := parseArgs(argv, stderr)
	if err != nil {
		return err
	}

	logger := newLogger(stderr, opts.LogLevel, useColor(opts.Color, stderr))

	path, network, err := resolveTarget(opts)
	if err != nil {
		return err
	}
	logger.Debug().Str("network", network).Str("address", path).Msg("connecting")

	cfg := qmp.DefaultConfig()
	cfg.Capabilities = opts.Capabilities
	cfg.Lenient = opts.Lenient
	cfg.Logger = logger

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	t, err := qmp.Dial(dialCtx, network, path)
	if err != nil {
		return err
	}
	sess, err := qmp.Connect(dialCtx, t, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	if g := sess.Greeting(); g != nil {
		logger.Info().
			Stringer("qemu", g.Version.QEMU).
			Str("package", g.Version.Package).
			Msg("connected")
	}

	var sub *qmp.Subscription
	if len(opts.Watch) > 0 {
		// subscribe before running the command so its events are seen
		sub = sess.Events(watchFilter(opts.Watch))
		defer sub.Close()
	}

	if command != "" {
		base := opts.ArgsJSON
		if opts.ArgsFile != "" {
			if base != "" {
				return errors.New("--args and --args-file are mutually exclusive")
			}
			if base, err = readArgsFile(opts.ArgsFile); err != nil {
				return err
			}
		}
		args, err := buildArguments(base, opts.Args)
		if err != nil {
			return err
		}
		cmd := qmp.Command{Execute: command}
		if args != nil {
			cmd.Arguments = args
		}

		execCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		resp, err := sess.Execute(execCtx, cmd)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		out := pretty.Pretty(resp.Return)
		if useColor(opts.Color, stdout) {
			out = pretty.Color(out, nil)
		}
		stdout.Write(out)
	}

	if sub == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return sess.Err()
			}
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			stdout.Write(append(line, '\n'))
		}
	}
}

func parseArgs(argv []string, stderr io.Writer) (options, string, error) {
	opts := defaultOptions()

	fs := pflag.NewFlagSet("qmpctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (TOML, or YAML for .yaml/.yml)")
	socket := fs.String("socket", "", "QMP UNIX socket path")
	tcp := fs.String("tcp", "", "QMP TCP address (host:port)")
	pid := fs.Int("pid", 0, "find the QMP socket of this QEMU process")
	name := fs.String("name", "", "instance name in the default socket directory")
	caps := fs.StringSlice("cap", nil, "capability to enable during negotiation (repeatable)")
	lenient := fs.Bool("lenient", false, "skip malformed frames instead of disconnecting")
	logLevel := fs.String("log-level", opts.LogLevel, "log level (debug, info, warn, error, none)")
	color := fs.String("color", opts.Color, "colorize output (auto, always, never)")
	timeout := fs.Duration("timeout", opts.Timeout, "connect and command timeout")
	fs.StringArrayVar(&opts.Watch, "watch", nil, "print events with this name (repeatable, * for all)")
	fs.StringArrayVar(&opts.Args, "arg", nil, "command argument as path=value, value parsed as JSON when valid")
	fs.StringVar(&opts.ArgsJSON, "args", "", "command arguments as a JSON object")
	fs.StringVar(&opts.ArgsFile, "args-file", "", "read command arguments from a JSON file, comments allowed")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: qmpctl [flags] [command]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return opts, "", err
	}

	if *configPath != "" {
		if err := loadConfigFile(*configPath, &opts); err != nil {
			return opts, "", err
		}
	}
	// a target given on the command line replaces every target from the file
	if fs.Changed("socket") || fs.Changed("tcp") || fs.Changed("pid") || fs.Changed("name") {
		opts.Socket, opts.TCP, opts.PID, opts.Name = "", "", 0, ""
	}
	if fs.Changed("socket") {
		opts.Socket = *socket
	}
	if fs.Changed("tcp") {
		opts.TCP = *tcp
	}
	if fs.Changed("pid") {
		opts.PID = *pid
	}
	if fs.Changed("name") {
		opts.Name = *name
	}
	if fs.Changed("cap") {
		opts.Capabilities = *caps
	}
	if fs.Changed("lenient") {
		opts.Lenient = *lenient
	}
	if fs.Changed("log-level") {
		opts.LogLevel = *logLevel
	}
	if fs.Changed("color") {
		opts.Color = *color
	}
	if fs.Changed("timeout") {
		opts.Timeout = *timeout
	}

	var command string
	switch fs.NArg() {
	case 0:
		if len(opts.Watch) == 0 {
			fs.Usage()
			return opts, "", errors.New("nothing to do: give a command or --watch")
		}
	case 1:
		command = fs.Arg(0)
	default:
		return opts, "", fmt.Errorf("expected one command, got %d", fs.NArg())
	}
	return opts, command, nil
}

// resolveTarget picks the address to dial. Explicit addresses win over
// discovery by PID or name.
func resolveTarget(opts options) (address, network string, err error) {
	switch {
	case opts.Socket != "":
		return opts.Socket, "unix", nil
	case opts.TCP != "":
		return opts.TCP, "tcp", nil
	case opts.PID > 0:
		path, err := qmp.SocketFromPID(opts.PID)
		return path, "unix", err
	case opts.Name != "":
		path, err := qmp.SocketPath(opts.Name)
		return path, "unix", err
	}
	return "", "", errors.New("no target: use --socket, --tcp, --pid or --name")
}

// buildArguments merges a JSON object with path=value pairs. It returns
// nil when there are no arguments at all.
func buildArguments(base string, pairs []string) (json.RawMessage, error) {
	if base == "" && len(pairs) == 0 {
		return nil, nil
	}
	doc := `{}`
	if base != "" {
		if !gjson.Valid(base) || !gjson.Parse(base).IsObject() {
			return nil, fmt.Errorf("--args: not a JSON object")
		}
		doc = base
	}
	for _, pair := range pairs {
		path, value, ok := strings.Cut(pair, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("--arg %q: expected path=value", pair)
		}
		var err error
		if gjson.Valid(value) {
			doc, err = sjson.SetRaw(doc, path, value)
		} else {
			doc, err = sjson.Set(doc, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("--arg %q: %w", pair, err)
		}
	}
	return json.RawMessage(doc), nil
}

// readArgsFile loads a JSON object that may contain comments and trailing
// commas.
func readArgsFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("--args-file: %w", err)
	}
	return string(jsonc.ToJSON(b)), nil
}

func watchFilter(names []string) qmp.EventFilter {
	for _, n := range names {
		if n == "*" {
			return nil
		}
	}
	return qmp.MatchEvents(names...)
}

// useColor resolves the --color mode for w. auto colors terminals only.
func useColor(mode string, w io.Writer) bool {
	switch strings.ToLower(mode) {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newLogger(w io.Writer, level string, color bool) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: !color}).
		Level(parseLevel(level)).
		With().Timestamp().Logger()
}

// parseLevel converts a string to a zerolog level. Unknown values default
// to warn.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
