package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"fsrelay/internal/change"
	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"
	"fsrelay/internal/wire"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectInitial = 200 * time.Millisecond
	DefaultReconnectMax     = 5 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	reconnectMultiplier     = 2
	reconnectJitter         = 0.2
)

// ErrReconnectExhausted is reported on Failures when MaxAttempts
// consecutive connection attempts failed.
var ErrReconnectExhausted = errors.New("adapter: reconnect attempts exhausted")

// TCPOptions controls the TCP client adapter.
type TCPOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds consecutive failed connections before the adapter
	// gives up and reports a failure. Zero retries until stopped.
	MaxAttempts int
	DialTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

// TCPClient connects to a broadcaster and injects every received batch into
// the sink, reconnecting with exponential backoff whenever the stream is
// lost.
type TCPClient struct {
	address     string
	sink        change.Sink
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	dialTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.Registry

	mutex    sync.Mutex
	conn     net.Conn
	started  bool
	closed   bool
	cancel   context.CancelFunc
	failures chan error
	wg       sync.WaitGroup
}

func NewTCPClient(host string, port int, sink change.Sink, options TCPOptions) *TCPClient {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	initial := options.InitialInterval
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	maxInterval := options.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultReconnectMax
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	dialTimeout := options.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	return &TCPClient{
		address:     address,
		sink:        sink,
		initial:     initial,
		max:         maxInterval,
		maxAttempts: options.MaxAttempts,
		dialTimeout: dialTimeout,
		logger:      logger.Component("adapter").With(map[string]string{"remote": address}),
		metrics:     options.Metrics,
		failures:    make(chan error, 1),
	}
}

// Start launches the connection loop. Connecting happens in the background,
// so an unreachable broadcaster does not fail Start.
func (client *TCPClient) Start(ctx context.Context) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.closed {
		return ErrAdapterStopped
	}
	if client.started {
		return nil
	}
	client.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel
	client.wg.Add(1)
	go client.run(loopCtx)
	return nil
}

func (client *TCPClient) Stop(ctx context.Context) error {
	client.mutex.Lock()
	if client.closed {
		client.mutex.Unlock()
		return nil
	}
	client.closed = true
	cancel := client.cancel
	conn := client.conn
	client.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	waited := make(chan struct{})
	go func() {
		client.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures reports that the reconnect budget was exhausted.
func (client *TCPClient) Failures() <-chan error {
	return client.failures
}

func newReconnectBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = maxInterval
	policy.Multiplier = reconnectMultiplier
	policy.RandomizationFactor = reconnectJitter
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (client *TCPClient) run(ctx context.Context) {
	defer client.wg.Done()
	policy := newReconnectBackOff(client.initial, client.max)
	failed := 0
	for {
		conn, err := client.dial(ctx)
		if err == nil {
			failed = 0
			policy.Reset()
			client.logger.Info("connected to broadcaster", nil)
			err = client.consume(conn)
			client.release(conn)
			if ctx.Err() != nil {
				return
			}
			client.logger.Warn("broadcaster connection lost", logging.ErrorFields(err))
		} else {
			if ctx.Err() != nil {
				return
			}
			failed++
			client.logger.Debug("connect failed", map[string]string{
				"error":   err.Error(),
				"attempt": strconv.Itoa(failed),
			})
			if client.maxAttempts > 0 && failed >= client.maxAttempts {
				exhausted := fmt.Errorf("%w: %s after %d attempts: %v", ErrReconnectExhausted, client.address, failed, err)
				client.logger.Error("reconnect attempts exhausted", logging.ErrorFields(exhausted))
				select {
				case client.failures <- exhausted:
				default:
				}
				return
			}
		}

		delay := policy.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		client.metrics.IncReconnect()
	}
}

func (client *TCPClient) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: client.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", client.address)
	if err != nil {
		return nil, err
	}
	client.mutex.Lock()
	if client.closed {
		client.mutex.Unlock()
		_ = conn.Close()
		return nil, ErrAdapterStopped
	}
	client.conn = conn
	client.mutex.Unlock()
	return conn, nil
}

func (client *TCPClient) release(conn net.Conn) {
	client.mutex.Lock()
	if client.conn == conn {
		client.conn = nil
	}
	client.mutex.Unlock()
	_ = conn.Close()
}

// consume reads frames until the stream becomes unusable. Corrupt frames
// are skipped.
func (client *TCPClient) consume(conn net.Conn) error {
	reader := wire.NewReader(conn)
	for {
		batch, err := reader.Next()
		if err != nil {
			if wire.Recoverable(err) {
				client.metrics.IncFrameCorrupt()
				client.logger.Warn("discarding corrupt frame", logging.ErrorFields(err))
				continue
			}
			return err
		}
		client.metrics.IncFrameReceived()
		if batch.Empty() {
			continue
		}
		client.sink.Inject(batch)
	}
}
