// kindle-mtp talks to an Amazon Kindle over MTP.
//
// Sub-commands:
//
//	kindle-mtp status                        Show the connected device
//	kindle-mtp info                          Show device and storage details
//	kindle-mtp ls [-l] [PATH]                List a directory
//	kindle-mtp pull [-r] REMOTE [LOCAL]      Copy files from the device
//	kindle-mtp push [-f] LOCAL REMOTE        Copy a file to the device
//	kindle-mtp rm [-r] PATH...               Delete files or directories
//	kindle-mtp mkdir [-f] [-p] PATH          Create a directory
//	kindle-mtp mount [--allow-other] DIR     Mount the device read-only
//	kindle-mtp version                       Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kindlemtp/kindle-mtp/internal/config"
	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/device/libmtp"
	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/lock"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/metrics"
	"github.com/kindlemtp/kindle-mtp/internal/output"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], libmtp.New(), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// globals are accepted before and after the sub-command name.
type globals struct {
	json        bool
	quiet       bool
	verbose     bool
	veryVerbose bool
	logLevel    string
	device      string
	configPath  string
	metricsFile string
}

// register binds the global flags to fs. Current values become the
// defaults so a second FlagSet does not reset what the first one parsed.
func (g *globals) register(fs *flag.FlagSet) {
	fs.BoolVar(&g.json, "json", g.json, "Print results as JSON")
	fs.BoolVar(&g.quiet, "q", g.quiet, "Suppress output on success")
	fs.BoolVar(&g.quiet, "quiet", g.quiet, "Suppress output on success")
	fs.BoolVar(&g.verbose, "v", g.verbose, "Log at info level")
	fs.BoolVar(&g.veryVerbose, "vv", g.veryVerbose, "Log at debug level")
	fs.StringVar(&g.logLevel, "log-level", g.logLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&g.device, "device", g.device, "Select a device by USB location BUS:DEVNUM")
	fs.StringVar(&g.configPath, "config", g.configPath, "Config file (default: ~/.config/kindle-mtp/config.hcl)")
	fs.StringVar(&g.metricsFile, "metrics-file", g.metricsFile, "Write Prometheus metrics to this file after the command")
}

// app carries everything one invocation needs.
type app struct {
	lib    device.Library
	stdout io.Writer
	stderr io.Writer

	g   globals
	cfg *config.Config
	out output.Renderer
}

// usageError is a command-line mistake. It is printed as is.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func run(ctx context.Context, args []string, lib device.Library, stdout, stderr io.Writer) int {
	a := &app{
		lib:    lib,
		stdout: stdout,
		stderr: stderr,
		out:    output.New(false, false, stdout, stderr),
	}

	top := flag.NewFlagSet("kindle-mtp", flag.ContinueOnError)
	top.SetOutput(stderr)
	top.Usage = func() { printUsage(stderr) }
	a.g.register(top)
	if err := top.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	rest := top.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}
	name, cmdArgs := rest[0], rest[1:]
	if name == "help" {
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		printUsage(stderr)
		return 1
	}

	start := time.Now()
	err := cmd(ctx, a, cmdArgs)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}

	var uerr *usageError
	var done *reported
	outcome := "ok"
	switch {
	case errors.As(err, &uerr):
		fmt.Fprintf(stderr, "Usage: kindle-mtp %s\n", uerr.msg)
		outcome = errkind.Internal.String()
	case errors.As(err, &done):
		outcome = errkind.KindOf(err).String()
	case err != nil:
		if errkind.KindOf(err) == errkind.Internal {
			logging.Error("command failed", logging.String("command", name), logging.Err(err))
		} else {
			logging.Debug("command failed", logging.String("command", name), logging.Err(err))
		}
		a.out.Error(err)
		outcome = errkind.KindOf(err).String()
	}

	metrics.RecordCommand(name, outcome, time.Since(start))
	a.writeMetrics()
	logging.Sync()

	if uerr != nil {
		return errkind.Internal.ExitCode()
	}
	return errkind.ExitCode(err)
}

// parse parses sub-command flags and then loads configuration, so global
// flags given after the sub-command name still apply.
func (a *app) parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(a.stderr)
	a.g.register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usagef("%s: %v", fs.Name(), err)
	}
	return a.setup()
}

func (a *app) setup() error {
	cfg, err := config.Load(a.g.configPath)
	if err != nil {
		return errkind.E(errkind.Internal, "config", a.g.configPath, err)
	}

	if a.g.device != "" {
		cfg.Device = a.g.device
	}
	if a.g.metricsFile != "" {
		cfg.MetricsFile = a.g.metricsFile
	}
	switch {
	case a.g.logLevel != "":
		cfg.LogLevel = a.g.logLevel
	case a.g.veryVerbose:
		cfg.LogLevel = "debug"
	case a.g.verbose:
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return errkind.E(errkind.Internal, "config", "", err)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return errkind.E(errkind.Internal, "logging", "", err)
	}
	if cfg.Source != "" {
		logging.Debug("loaded config", logging.String("path", cfg.Source))
	}

	a.cfg = cfg
	a.out = output.New(a.g.json, a.g.quiet, a.stdout, a.stderr)
	return nil
}

// openSession opens the one device this invocation works on.
func (a *app) openSession(ctx context.Context) (*device.Session, error) {
	lockPath := a.cfg.LockFile
	if lockPath == "" {
		lockPath = lock.DefaultPath()
	}
	return device.Open(ctx, a.lib, device.Options{
		AllowList: a.cfg.AllowList(),
		Selector:  a.cfg.Device,
		LockPath:  lockPath,
	})
}

// withSession runs fn with an open session and closes it on every path.
func (a *app) withSession(ctx context.Context, fn func(s *device.Session) error) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logging.Warn("closing session failed", logging.Err(cerr))
		}
	}()
	return fn(s)
}

func (a *app) writeMetrics() {
	path := a.g.metricsFile
	if a.cfg != nil {
		path = a.cfg.MetricsFile
	}
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logging.Warn("writing metrics failed", logging.String("path", path), logging.Err(err))
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kindle-mtp - manage files on a Kindle over MTP

Usage: kindle-mtp [flags] <command> [args]

Commands:
  status                          Show the connected device and free space
  info                            Show device and storage details
  ls [-l] [PATH]                  List a directory (default /)
  pull [-r] [-include G] [-exclude G] [-checksum] REMOTE [LOCAL|s3://BUCKET/PREFIX]
                                  Copy files from the device
  push [-f] LOCAL REMOTE          Copy one file to the device
  rm [-r] PATH...                 Delete files or directories
  mkdir [-f] [-p] PATH            Create a directory
  mount [-allow-other] DIR        Mount the device read-only until unmounted
  version                         Print the version

Flags:
  -json                 Print results as JSON
  -q, -quiet            Suppress output on success
  -v, -vv               Log at info or debug level
  -log-level <level>    Log level (debug, info, warn, error)
  -device <BUS:DEVNUM>  Select one of several connected devices
  -config <file>        Config file (default: ~/.config/kindle-mtp/config.hcl)
  -metrics-file <file>  Write Prometheus metrics after the command

Exit codes:
  0 success, 1 usage or internal error, 2 no or ambiguous device,
  3 path not found, 4 permission denied, 5 storage full, 6 transfer failed

Examples:
  kindle-mtp ls -l /documents
  kindle-mtp pull -r /documents ~/kindle-backup
  kindle-mtp pull -r -include "*.pdf" /documents s3://backups/kindle
  kindle-mtp push book.epub /documents
  kindle-mtp rm -r /documents/old`)
}
