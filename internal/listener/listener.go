// Package listener ties a change source to a role. A broadcaster watches
// local directories and pushes every batch to TCP subscribers; a recipient
// receives batches from a broadcaster. Either way the batches reach the
// installed callback while the listener is processing.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fsrelay/internal/adapter"
	"fsrelay/internal/broadcaster"
	"fsrelay/internal/change"
	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"
	"fsrelay/internal/supervisor"
	"fsrelay/internal/wire"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("listener: stopped")

// State is the run state gating delivery.
type State int32

const (
	StateStarting State = iota
	StateProcessing
	StatePaused
	StateStopped
)

func (state State) String() string {
	switch state {
	case StateStarting:
		return "starting"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "State(" + strconv.Itoa(int(state)) + ")"
	}
}

// Callback receives each batch as three path lists. The lists are never nil.
type Callback func(modified, added, removed []string)

// Options configures a listener. Only ForceTCP changes which adapter is
// used; the rest tune the components.
type Options struct {
	// ForceTCP selects the TCP client adapter. Always true for recipients.
	ForceTCP bool
	// Directories watched by the native adapter. Defaults to the working
	// directory.
	Directories []string
	// Latency is the coalescing window. Zero selects the default for the
	// adapter (change.DefaultLatency for native, immediate for TCP);
	// negative delivers every change immediately.
	Latency time.Duration
	// Ignore adds file globs to the default silencer rules.
	Ignore []string

	// WriteTimeout bounds each payload write to a subscriber.
	WriteTimeout time.Duration
	// QueueSize is the per-subscriber backlog checked for writer progress.
	QueueSize int

	// ReconnectInitial is the first delay before the TCP client redials.
	ReconnectInitial time.Duration
	// ReconnectMax caps the delay between redials.
	ReconnectMax time.Duration
	// MaxReconnectAttempts reports a failure after this many consecutive
	// failed dials; zero retries until stopped.
	MaxReconnectAttempts int

	// Logger is shared by every component; nil discards entries.
	Logger *logging.Logger
	// Metrics receives the counters of every component; nil disables them.
	Metrics *metrics.Registry
}

type broadcastTarget interface {
	Broadcast(payload []byte)
}

type Listener struct {
	mode    Mode
	host    string
	port    int
	options Options
	logger  *logging.Logger
	metrics *metrics.Registry

	state    atomic.Int32
	tree     atomic.Pointer[supervisor.Supervisor]
	callback atomic.Pointer[Callback]

	lifecycle sync.Mutex
}

// New validates the mode and target. A recipient must name a target; a
// port-only target leaves the host empty for a broadcaster (bind any) and
// resolves to DefaultHost for a recipient.
func New(target any, mode Mode, options Options) (*Listener, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	host, port, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	if mode == ModeRecipient {
		options.ForceTCP = true
		if host == "" {
			host = DefaultHost
		}
	}
	options.Directories = append([]string(nil), options.Directories...)
	options.Ignore = append([]string(nil), options.Ignore...)

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	listener := &Listener{
		mode:    mode,
		host:    host,
		port:    port,
		options: options,
		logger: logger.Component("listener").With(map[string]string{
			"mode": mode.String(),
		}),
		metrics: options.Metrics,
	}
	listener.state.Store(int32(StateStarting))
	return listener, nil
}

func (listener *Listener) Mode() Mode { return listener.mode }

// Host is empty for a broadcaster bound to every interface.
func (listener *Listener) Host() string { return listener.host }

func (listener *Listener) Port() int { return listener.port }

// Options returns a copy of the normalized options.
func (listener *Listener) Options() Options {
	options := listener.options
	options.Directories = append([]string(nil), options.Directories...)
	options.Ignore = append([]string(nil), options.Ignore...)
	return options
}

func (listener *Listener) IsBroadcaster() bool { return listener.mode == ModeBroadcaster }

func (listener *Listener) IsRecipient() bool { return listener.mode == ModeRecipient }

func (listener *Listener) State() State {
	return State(listener.state.Load())
}

// SetCallback installs the batch callback; nil removes it.
func (listener *Listener) SetCallback(callback Callback) {
	if callback == nil {
		listener.callback.Store(nil)
		return
	}
	listener.callback.Store(&callback)
}

// Addr is the broadcaster's bound address, or nil when there is none.
func (listener *Listener) Addr() net.Addr {
	target, ok := supervisor.Lookup[interface{ Addr() net.Addr }](listener.tree.Load(), supervisor.NameBroadcaster)
	if !ok {
		return nil
	}
	return target.Addr()
}

// Start builds and starts the component tree and moves to processing.
// Calling it again while running is a no-op; after Stop it returns
// ErrStopped. A broadcaster bind failure is returned with the partial tree
// already torn down.
func (listener *Listener) Start(ctx context.Context) error {
	listener.lifecycle.Lock()
	defer listener.lifecycle.Unlock()

	if listener.State() == StateStopped {
		return ErrStopped
	}
	if listener.tree.Load() != nil {
		return nil
	}

	tree := supervisor.New(supervisor.Options{
		Logger:  listener.options.Logger,
		Metrics: listener.metrics,
	})
	if err := listener.build(tree); err != nil {
		_ = tree.Terminate(ctx)
		return err
	}
	listener.tree.Store(tree)
	if err := tree.Start(ctx); err != nil {
		listener.tree.Store(nil)
		_ = tree.Terminate(ctx)
		return err
	}

	listener.state.CompareAndSwap(int32(StateStarting), int32(StateProcessing))
	fields := map[string]string{"port": strconv.Itoa(listener.port)}
	if listener.host != "" {
		fields["host"] = listener.host
	}
	if addr := listener.Addr(); addr != nil {
		fields["addr"] = addr.String()
	}
	listener.logger.Info("listener started", fields)
	return nil
}

// Pause suppresses delivery without touching the tree or any connection.
func (listener *Listener) Pause() {
	if listener.state.CompareAndSwap(int32(StateProcessing), int32(StatePaused)) {
		listener.logger.Info("listener paused", nil)
	}
}

func (listener *Listener) Unpause() {
	if listener.state.CompareAndSwap(int32(StatePaused), int32(StateProcessing)) {
		listener.logger.Info("listener resumed", nil)
	}
}

// Stop terminates the tree, closing the listening socket, every subscriber
// connection and the adapter loop, waiting at most until ctx is done. Only
// the first call does any work.
func (listener *Listener) Stop(ctx context.Context) error {
	listener.lifecycle.Lock()
	if listener.State() == StateStopped {
		listener.lifecycle.Unlock()
		return nil
	}
	listener.state.Store(int32(StateStopped))
	tree := listener.tree.Load()
	listener.lifecycle.Unlock()

	if tree == nil {
		return nil
	}
	err := tree.Terminate(ctx)
	listener.logger.Info("listener stopped", nil)
	return err
}

func (listener *Listener) build(tree *supervisor.Supervisor) error {
	options := listener.options
	directories, err := listener.directories()
	if err != nil {
		return err
	}

	silencer, err := change.NewSilencer(directories, options.Ignore)
	if err != nil {
		return err
	}
	record := change.NewRecord(directories, silencer)
	aggregator := change.NewAggregator(change.AggregatorOptions{
		Latency: listener.latency(),
		Logger:  options.Logger,
	})
	aggregator.SetHandler(listener.handle)

	specs := []supervisor.Spec{
		{Name: supervisor.NameSilencer, New: constant(silencer)},
		{Name: supervisor.NameRecord, New: constant(record)},
		{Name: supervisor.NameChangePool, New: constant(aggregator)},
	}
	if listener.mode == ModeBroadcaster {
		specs = append(specs, supervisor.Spec{
			Name:    supervisor.NameBroadcaster,
			Restart: true,
			New:     listener.newBroadcaster,
		})
	}
	specs = append(specs, supervisor.Spec{
		Name:    supervisor.NameAdapter,
		Restart: true,
		New: func() (supervisor.Component, error) {
			return listener.newAdapter(silencer, record, aggregator), nil
		},
	})

	for _, spec := range specs {
		if err := tree.Add(spec); err != nil {
			return err
		}
	}
	return nil
}

func constant(component supervisor.Component) func() (supervisor.Component, error) {
	return func() (supervisor.Component, error) {
		return component, nil
	}
}

func (listener *Listener) newBroadcaster() (supervisor.Component, error) {
	return broadcaster.New(listener.host, listener.port, broadcaster.Options{
		WriteTimeout: listener.options.WriteTimeout,
		QueueSize:    listener.options.QueueSize,
		Logger:       listener.options.Logger,
		Metrics:      listener.metrics,
	})
}

func (listener *Listener) newAdapter(silencer *change.Silencer, record *change.Record, sink change.Sink) supervisor.Component {
	options := listener.options
	if options.ForceTCP {
		host := listener.host
		if host == "" {
			host = DefaultHost
		}
		return adapter.NewTCPClient(host, listener.port, sink, adapter.TCPOptions{
			InitialInterval: options.ReconnectInitial,
			MaxInterval:     options.ReconnectMax,
			MaxAttempts:     options.MaxReconnectAttempts,
			Logger:          options.Logger,
			Metrics:         listener.metrics,
		})
	}
	return adapter.NewNative(silencer, record, sink, adapter.NativeOptions{
		Logger: options.Logger,
	})
}

// directories resolves the watched roots. The TCP adapter watches nothing
// locally, so it only gets the directories it was given.
func (listener *Listener) directories() ([]string, error) {
	directories := listener.options.Directories
	if len(directories) == 0 {
		if listener.options.ForceTCP {
			return nil, nil
		}
		directories = []string{"."}
	}
	resolved := make([]string, 0, len(directories))
	for _, directory := range directories {
		absolute, err := filepath.Abs(directory)
		if err != nil {
			return nil, fmt.Errorf("resolve directory %q: %w", directory, err)
		}
		resolved = append(resolved, absolute)
	}
	return resolved, nil
}

func (listener *Listener) latency() time.Duration {
	latency := listener.options.Latency
	switch {
	case latency < 0:
		return 0
	case latency > 0:
		return latency
	case listener.options.ForceTCP:
		return 0
	default:
		return change.DefaultLatency
	}
}

// handle runs on the aggregator's delivery goroutine for every batch.
func (listener *Listener) handle(batch change.Batch) {
	switch listener.State() {
	case StatePaused, StateStopped:
		listener.metrics.IncBatchSuppressed()
		return
	}
	listener.metrics.IncBatchDetected()
	batch = batch.Normalize()

	if listener.mode == ModeBroadcaster {
		listener.broadcast(batch)
	}

	callback := listener.callback.Load()
	if callback == nil {
		return
	}
	listener.invoke(*callback, batch)
}

func (listener *Listener) broadcast(batch change.Batch) {
	target, ok := supervisor.Lookup[broadcastTarget](listener.tree.Load(), supervisor.NameBroadcaster)
	if !ok {
		listener.logger.Warn("no broadcaster registered", nil)
		return
	}
	payload, err := wire.NewMessage(batch).Payload()
	if err != nil {
		listener.logger.Error("encode batch failed", logging.ErrorFields(err))
		return
	}
	target.Broadcast(payload)
}

func (listener *Listener) invoke(callback Callback, batch change.Batch) {
	defer func() {
		if recovered := recover(); recovered != nil {
			listener.metrics.IncCallbackPanic()
			listener.logger.Error("change callback panicked", map[string]string{
				"error": fmt.Sprint(recovered),
				"paths": strconv.Itoa(batch.Len()),
			})
		}
	}()
	callback(batch.Modified, batch.Added, batch.Removed)
}
