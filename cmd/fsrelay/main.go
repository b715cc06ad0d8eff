package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fsrelay/internal/change"
	"fsrelay/internal/listener"
	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"
	"fsrelay/internal/version"
)

const shutdownGrace = 5 * time.Second

func main() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopWatching := watchShutdownSignals(nil, cancel, signals)
	defer stopWatching()

	os.Exit(run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

// run blocks until ctx is done, then shuts the listener down.
func run(ctx context.Context, args []string, lookupEnv func(string) (string, bool), stdout, stderr io.Writer) int {
	cmd, err := parseCommand(args, lookupEnv, stderr)
	if errors.Is(err, errHelp) {
		printUsage(stdout)
		return 0
	}
	if errors.Is(err, errVersion) {
		fmt.Fprintln(stdout, version.Get())
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "fsrelay: %v\n", err)
		printUsage(stderr)
		return 2
	}

	level, _ := logging.ParseLevel(cmd.config.LogLevel)
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, stderr)
	registry := metrics.Default
	logger.Info("fsrelay starting", map[string]string{
		"version": version.Get().Version,
		"mode":    cmd.mode.String(),
	})

	instance, err := listener.New(cmd.config.ListenerTarget(), cmd.mode, cmd.config.ListenerOptions(logger, registry))
	if err != nil {
		fmt.Fprintf(stderr, "fsrelay: %v\n", err)
		return 2
	}
	instance.SetCallback(newBatchPrinter(stdout).print)

	coordinator := newShutdownCoordinator(logger)
	if cmd.config.MetricsAddr != "" {
		server, err := startMetricsServer(cmd.config.MetricsAddr, registry, logger)
		if err != nil {
			fmt.Fprintf(stderr, "fsrelay: %v\n", err)
			return 1
		}
		coordinator.Add("metrics", server.Shutdown)
	}
	coordinator.Add("listener", instance.Stop)

	if err := instance.Start(ctx); err != nil {
		logger.Error("listener start failed", logging.ErrorFields(err))
		shutdown(coordinator)
		fmt.Fprintf(stderr, "fsrelay: %v\n", err)
		return 1
	}

	<-ctx.Done()
	if err := shutdown(coordinator); err != nil {
		fmt.Fprintf(stderr, "fsrelay: shutdown: %v\n", err)
		return 1
	}
	return 0
}

func shutdown(coordinator *shutdownCoordinator) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return coordinator.Run(ctx)
}

func startMetricsServer(addr string, registry *metrics.Registry, logger *logging.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = registry.WritePrometheus(w)
	})
	socket, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(socket); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", logging.ErrorFields(err))
		}
	}()
	logger.Info("metrics available", map[string]string{"addr": socket.Addr().String()})
	return server, nil
}

// batchPrinter writes one "<kind> <path>" line per path.
type batchPrinter struct {
	mutex sync.Mutex
	out   io.Writer
}

func newBatchPrinter(out io.Writer) *batchPrinter {
	return &batchPrinter{out: out}
}

func (printer *batchPrinter) print(modified, added, removed []string) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	batch := change.Batch{Modified: modified, Added: added, Removed: removed}
	for _, kind := range change.Kinds {
		for _, path := range batch.Paths(kind) {
			fmt.Fprintf(printer.out, "%s %s\n", kind, path)
		}
	}
}
