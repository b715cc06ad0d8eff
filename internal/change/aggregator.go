package change

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fsrelay/internal/logging"
)

const (
	DefaultLatency     = 100 * time.Millisecond
	defaultBatchBuffer = 64
)

// Handler receives every coalesced batch.
type Handler func(Batch)

// Sink accepts changes from adapters. Native adapters record single paths;
// the tcp adapter injects whole batches.
type Sink interface {
	Record(kind Kind, path string)
	Inject(batch Batch)
}

// AggregatorOptions controls coalescing.
type AggregatorOptions struct {
	// Latency is how long changes are collected before a batch is
	// delivered. Zero delivers every change immediately.
	Latency time.Duration
	Logger  *logging.Logger
}

// Aggregator coalesces path changes into batches and delivers them to the
// registered handler from its own goroutine, in flush order.
type Aggregator struct {
	latency time.Duration
	logger  *logging.Logger

	mutex   sync.Mutex
	pending map[string]Kind
	timer   *time.Timer
	handler Handler
	running bool
	closed  bool

	flushMutex sync.Mutex
	batches    chan Batch
	done       chan struct{}
	wg         sync.WaitGroup
}

var _ Sink = (*Aggregator)(nil)

func NewAggregator(options AggregatorOptions) *Aggregator {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	latency := options.Latency
	if latency < 0 {
		latency = 0
	}
	return &Aggregator{
		latency: latency,
		logger:  logger.Component("change_pool"),
		pending: make(map[string]Kind),
		batches: make(chan Batch, defaultBatchBuffer),
		done:    make(chan struct{}),
	}
}

// SetHandler installs the batch handler. It may be called at any time.
func (aggregator *Aggregator) SetHandler(handler Handler) {
	aggregator.mutex.Lock()
	aggregator.handler = handler
	aggregator.mutex.Unlock()
}

func (aggregator *Aggregator) Start(ctx context.Context) error {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	if aggregator.closed {
		return fmt.Errorf("change aggregator is stopped")
	}
	if aggregator.running {
		return nil
	}
	aggregator.running = true
	aggregator.wg.Add(1)
	go aggregator.deliverLoop()
	return nil
}

// Stop discards pending changes and waits for the delivery goroutine.
func (aggregator *Aggregator) Stop(ctx context.Context) error {
	aggregator.mutex.Lock()
	if aggregator.closed {
		aggregator.mutex.Unlock()
		return nil
	}
	aggregator.closed = true
	if aggregator.timer != nil {
		aggregator.timer.Stop()
		aggregator.timer = nil
	}
	aggregator.pending = make(map[string]Kind)
	aggregator.mutex.Unlock()

	close(aggregator.done)

	waited := make(chan struct{})
	go func() {
		aggregator.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record merges a single path change into the pending batch.
func (aggregator *Aggregator) Record(kind Kind, path string) {
	if path == "" {
		return
	}
	aggregator.mutex.Lock()
	if aggregator.closed {
		aggregator.mutex.Unlock()
		return
	}
	merge(aggregator.pending, kind, path)
	aggregator.mutex.Unlock()
	aggregator.schedule()
}

// Inject merges every path of batch into the pending batch.
func (aggregator *Aggregator) Inject(batch Batch) {
	aggregator.mutex.Lock()
	if aggregator.closed {
		aggregator.mutex.Unlock()
		return
	}
	for _, kind := range Kinds {
		for _, path := range batch.Paths(kind) {
			merge(aggregator.pending, kind, path)
		}
	}
	aggregator.mutex.Unlock()
	aggregator.schedule()
}

func (aggregator *Aggregator) schedule() {
	if aggregator.latency == 0 {
		aggregator.flush()
		return
	}
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	if aggregator.closed || aggregator.timer != nil || len(aggregator.pending) == 0 {
		return
	}
	aggregator.timer = time.AfterFunc(aggregator.latency, aggregator.flush)
}

func (aggregator *Aggregator) flush() {
	aggregator.flushMutex.Lock()
	defer aggregator.flushMutex.Unlock()

	aggregator.mutex.Lock()
	aggregator.timer = nil
	if aggregator.closed || len(aggregator.pending) == 0 {
		aggregator.mutex.Unlock()
		return
	}
	batch := batchFromPending(aggregator.pending)
	aggregator.pending = make(map[string]Kind)
	aggregator.mutex.Unlock()

	if batch.Empty() {
		return
	}
	select {
	case aggregator.batches <- batch:
	case <-aggregator.done:
	}
}

func (aggregator *Aggregator) deliverLoop() {
	defer aggregator.wg.Done()
	for {
		select {
		case batch := <-aggregator.batches:
			aggregator.deliver(batch)
		case <-aggregator.done:
			return
		}
	}
}

func (aggregator *Aggregator) deliver(batch Batch) {
	aggregator.mutex.Lock()
	handler := aggregator.handler
	aggregator.mutex.Unlock()
	if handler == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			aggregator.logger.Error("change handler panicked", map[string]string{
				"error": fmt.Sprint(recovered),
				"paths": strconv.Itoa(batch.Len()),
			})
		}
	}()
	handler(batch)
}

// merge folds kind into the pending state for path.
func merge(pending map[string]Kind, kind Kind, path string) {
	previous, ok := pending[path]
	if !ok {
		pending[path] = kind
		return
	}
	switch {
	case previous == KindAdded && kind == KindRemoved:
		delete(pending, path)
	case previous == KindAdded:
		pending[path] = KindAdded
	case previous == KindRemoved && kind == KindAdded:
		pending[path] = KindModified
	case kind == KindRemoved:
		pending[path] = KindRemoved
	default:
		pending[path] = KindModified
	}
}
