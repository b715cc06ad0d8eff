// Package supervisor owns a listener's component tree. Children are
// registered under fixed names, started in order, restarted one-for-one
// when they report a failure, and stopped in reverse order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"
)

// Name identifies a child in the tree.
type Name string

const (
	NameSilencer    Name = "silencer"
	NameRecord      Name = "record"
	NameChangePool  Name = "change_pool"
	NameAdapter     Name = "adapter"
	NameBroadcaster Name = "broadcaster"
)

const (
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

var (
	ErrDuplicateName = errors.New("supervisor: duplicate child name")
	ErrTerminated    = errors.New("supervisor: terminated")
)

// Component is a supervised child.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FailureReporter is implemented by children that can fail after Start.
// A value received on the channel asks the supervisor to apply the
// child's restart policy.
type FailureReporter interface {
	Failures() <-chan error
}

// Spec describes how to build a child.
type Spec struct {
	Name    Name
	New     func() (Component, error)
	Restart bool
}

type child struct {
	spec      Spec
	component Component
	attempts  int
}

// Options configures a Supervisor.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// RestartDelay overrides the base restart delay; later attempts double it.
	RestartDelay time.Duration
}

type Supervisor struct {
	logger       *logging.Logger
	metrics      *metrics.Registry
	restartDelay time.Duration

	mutex      sync.Mutex
	children   []*child
	byName     map[Name]*child
	started    bool
	terminated bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(options Options) *Supervisor {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	delay := options.RestartDelay
	if delay <= 0 {
		delay = restartBaseDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:       logger.Component("supervisor"),
		metrics:      options.Metrics,
		restartDelay: delay,
		byName:       make(map[Name]*child),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Add builds the child immediately. A construction error is returned to the
// caller and the child is not registered.
func (supervisor *Supervisor) Add(spec Spec) error {
	if spec.New == nil {
		return fmt.Errorf("supervisor: child %q has no constructor", spec.Name)
	}
	supervisor.mutex.Lock()
	if supervisor.terminated {
		supervisor.mutex.Unlock()
		return ErrTerminated
	}
	if _, exists := supervisor.byName[spec.Name]; exists {
		supervisor.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
	}
	supervisor.mutex.Unlock()

	component, err := spec.New()
	if err != nil {
		return fmt.Errorf("build %s: %w", spec.Name, err)
	}

	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	if supervisor.terminated {
		return ErrTerminated
	}
	entry := &child{spec: spec, component: component}
	supervisor.children = append(supervisor.children, entry)
	supervisor.byName[spec.Name] = entry
	return nil
}

// Get returns the current component registered under name. The value
// changes when the child is restarted, so callers look it up on use.
func (supervisor *Supervisor) Get(name Name) (Component, bool) {
	if supervisor == nil {
		return nil, false
	}
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	entry, ok := supervisor.byName[name]
	if !ok || entry.component == nil {
		return nil, false
	}
	return entry.component, true
}

// Lookup returns the child registered under name as T.
func Lookup[T any](supervisor *Supervisor, name Name) (T, bool) {
	var zero T
	component, ok := supervisor.Get(name)
	if !ok {
		return zero, false
	}
	typed, ok := component.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Start starts every child in registration order and stops at the first
// failure. The caller is expected to Terminate the tree after an error.
func (supervisor *Supervisor) Start(ctx context.Context) error {
	supervisor.mutex.Lock()
	if supervisor.terminated {
		supervisor.mutex.Unlock()
		return ErrTerminated
	}
	if supervisor.started {
		supervisor.mutex.Unlock()
		return nil
	}
	supervisor.started = true
	children := append([]*child(nil), supervisor.children...)
	supervisor.mutex.Unlock()

	for _, entry := range children {
		if err := entry.component.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", entry.spec.Name, err)
		}
		supervisor.watch(entry)
		supervisor.logger.Debug("child started", map[string]string{
			"child": string(entry.spec.Name),
		})
	}
	return nil
}

// Terminate stops every child in reverse registration order. Only the first
// call does any work.
func (supervisor *Supervisor) Terminate(ctx context.Context) error {
	supervisor.mutex.Lock()
	if supervisor.terminated {
		supervisor.mutex.Unlock()
		return nil
	}
	supervisor.terminated = true
	started := supervisor.started
	children := append([]*child(nil), supervisor.children...)
	supervisor.mutex.Unlock()

	supervisor.cancel()

	var stopErr error
	for index := len(children) - 1; index >= 0; index-- {
		entry := children[index]
		supervisor.mutex.Lock()
		component := entry.component
		supervisor.mutex.Unlock()
		if component == nil {
			continue
		}
		if err := component.Stop(ctx); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", entry.spec.Name, err))
			supervisor.logger.Warn("child stop failed", map[string]string{
				"child": string(entry.spec.Name),
				"error": err.Error(),
			})
		}
	}

	waited := make(chan struct{})
	go func() {
		supervisor.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		stopErr = errors.Join(stopErr, ctx.Err())
	}
	if started {
		supervisor.logger.Info("supervision tree terminated", nil)
	}
	return stopErr
}

// Terminated reports whether Terminate has been called.
func (supervisor *Supervisor) Terminated() bool {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.terminated
}

func (supervisor *Supervisor) watch(entry *child) {
	reporter, ok := entry.component.(FailureReporter)
	if !ok {
		return
	}
	failures := reporter.Failures()
	if failures == nil {
		return
	}
	supervisor.wg.Add(1)
	go func() {
		defer supervisor.wg.Done()
		select {
		case err, ok := <-failures:
			if !ok {
				return
			}
			supervisor.handleFailure(entry, err)
		case <-supervisor.ctx.Done():
		}
	}()
}

func restartDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<attempt)
}

func (supervisor *Supervisor) handleFailure(entry *child, failure error) {
	fields := map[string]string{"child": string(entry.spec.Name)}
	if failure != nil {
		fields["error"] = failure.Error()
	}
	if !entry.spec.Restart {
		supervisor.logger.Error("child failed", fields)
		return
	}

	for {
		supervisor.mutex.Lock()
		if supervisor.terminated {
			supervisor.mutex.Unlock()
			return
		}
		if entry.attempts >= maxRestartAttempts {
			supervisor.mutex.Unlock()
			supervisor.logger.Error("child restart attempts exhausted", fields)
			return
		}
		delay := restartDelay(supervisor.restartDelay, entry.attempts)
		entry.attempts++
		attempt := entry.attempts
		supervisor.mutex.Unlock()

		fields["attempt"] = strconv.Itoa(attempt)
		supervisor.logger.Warn("restarting child", fields)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-supervisor.ctx.Done():
			timer.Stop()
			return
		}

		err := supervisor.restart(entry)
		if err == nil {
			supervisor.metrics.IncRestart(string(entry.spec.Name))
			return
		}
		if errors.Is(err, ErrTerminated) {
			return
		}
		fields["error"] = err.Error()
		supervisor.logger.Warn("child restart failed", fields)
	}
}

func (supervisor *Supervisor) restart(entry *child) error {
	ctx := supervisor.ctx
	supervisor.mutex.Lock()
	previous := entry.component
	supervisor.mutex.Unlock()
	if previous != nil {
		_ = previous.Stop(ctx)
	}

	replacement, err := entry.spec.New()
	if err != nil {
		return err
	}
	if err := replacement.Start(ctx); err != nil {
		_ = replacement.Stop(ctx)
		return err
	}

	supervisor.mutex.Lock()
	if supervisor.terminated {
		supervisor.mutex.Unlock()
		_ = replacement.Stop(context.Background())
		return ErrTerminated
	}
	entry.component = replacement
	supervisor.mutex.Unlock()

	supervisor.watchReplacement(entry)
	return nil
}

// watchReplacement resets the attempt budget once the replacement has
// stayed healthy for a full backoff window.
func (supervisor *Supervisor) watchReplacement(entry *child) {
	supervisor.watch(entry)
	supervisor.wg.Add(1)
	go func() {
		defer supervisor.wg.Done()
		timer := time.NewTimer(restartDelay(supervisor.restartDelay, maxRestartAttempts))
		defer timer.Stop()
		select {
		case <-timer.C:
			supervisor.mutex.Lock()
			entry.attempts = 0
			supervisor.mutex.Unlock()
		case <-supervisor.ctx.Done():
		}
	}()
}
