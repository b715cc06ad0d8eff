package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fsrelay/internal/config"
	"fsrelay/internal/listener"

	"github.com/spf13/pflag"
)

var (
	errHelp    = errors.New("help requested")
	errVersion = errors.New("version requested")
)

type command struct {
	mode   listener.Mode
	config config.Config
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `Usage:
  fsrelay broadcast [flags] [host:]port
  fsrelay receive [flags] [host:]port
  fsrelay version

broadcast watches local directories and pushes every change batch to TCP
subscribers. receive joins a broadcaster and prints the batches it sends.

Flags:
`)
	fmt.Fprint(out, newFlagSet(io.Discard, &flagValues{}).FlagUsages())
}

type flagValues struct {
	configPath  string
	dirs        []string
	ignore      []string
	latency     time.Duration
	logLevel    string
	metricsAddr string
	help        bool
}

func newFlagSet(output io.Writer, values *flagValues) *pflag.FlagSet {
	flags := pflag.NewFlagSet("fsrelay", pflag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&values.configPath, "config", "", "YAML config file")
	flags.StringArrayVarP(&values.dirs, "dir", "d", nil, "directory to watch (repeatable, broadcast only)")
	flags.StringSliceVar(&values.ignore, "ignore", nil, "extra file globs to ignore")
	flags.DurationVar(&values.latency, "latency", 0, "coalescing window, e.g. 100ms (0 keeps the default)")
	flags.StringVar(&values.logLevel, "log-level", "", "debug, info, warning or error")
	flags.StringVar(&values.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVarP(&values.help, "help", "h", false, "show help")
	return flags
}

// parseCommand resolves the subcommand, the config file, FSRELAY_*
// variables and the flags, in increasing precedence.
func parseCommand(args []string, lookupEnv func(string) (string, bool), stderr io.Writer) (command, error) {
	if len(args) == 0 {
		return command{}, errHelp
	}
	var mode listener.Mode
	switch args[0] {
	case "help", "-h", "--help":
		return command{}, errHelp
	case "version", "--version":
		return command{}, errVersion
	default:
		parsed, err := listener.ParseMode(args[0])
		if err != nil {
			return command{}, fmt.Errorf("unknown command %q", args[0])
		}
		mode = parsed
	}

	values := &flagValues{}
	flags := newFlagSet(stderr, values)
	if err := flags.Parse(args[1:]); err != nil {
		return command{}, err
	}
	if values.help {
		return command{}, errHelp
	}
	if flags.NArg() > 1 {
		return command{}, fmt.Errorf("expected at most one target, got %d", flags.NArg())
	}

	cfg := config.Default()
	if values.configPath != "" {
		loaded, err := config.Load(values.configPath)
		if err != nil {
			return command{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(lookupEnv)

	cfg.Mode = mode.String()
	cfg.SetFlag("mode")
	if flags.NArg() == 1 {
		cfg.Target = flags.Arg(0)
		cfg.SetFlag("target")
	}
	if flags.Changed("dir") {
		cfg.Directories = values.dirs
		cfg.SetFlag("directories")
	}
	if flags.Changed("ignore") {
		cfg.Ignore = values.ignore
		cfg.SetFlag("ignore")
	}
	if flags.Changed("latency") {
		cfg.Latency = values.latency
		cfg.SetFlag("latency")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = values.logLevel
		cfg.SetFlag("log_level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = strings.TrimSpace(values.metricsAddr)
		cfg.SetFlag("metrics_addr")
	}

	if err := cfg.Validate(); err != nil {
		return command{}, err
	}
	mode, err := cfg.ListenerMode()
	if err != nil {
		return command{}, err
	}
	return command{mode: mode, config: cfg}, nil
}
