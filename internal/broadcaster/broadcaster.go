// Package broadcaster serves framed change batches to any number of TCP
// subscribers. Delivery is best-effort push: no acknowledgement, no
// cross-subscriber ordering, and a stalled or broken subscriber is dropped
// without affecting the others.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueueSize    = 64
)

// ErrBind marks a failure to bind the listening socket.
var ErrBind = errors.New("broadcaster: bind failed")

// Options controls the broadcaster.
type Options struct {
	// WriteTimeout bounds a single payload write; a subscriber that cannot
	// accept a payload in time is dropped.
	WriteTimeout time.Duration
	// QueueSize is the backlog a subscriber may hold before its writer is
	// checked for progress; past it, a subscriber whose writer has not
	// completed a write within WriteTimeout is dropped.
	QueueSize int
	// Logger receives connection lifecycle entries; nil discards them.
	Logger *logging.Logger
	// Metrics counts broadcasts and subscribers; nil disables counting.
	Metrics *metrics.Registry
}

type subscriber struct {
	id     string
	conn   net.Conn
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once

	mutex    sync.Mutex
	pending  [][]byte
	progress time.Time
}

// enqueue appends payload to the backlog. It reports false when the backlog
// is over limit and the writer has made no progress for longer than timeout.
func (sub *subscriber) enqueue(payload []byte, now time.Time, limit int, timeout time.Duration) bool {
	sub.mutex.Lock()
	if len(sub.pending) >= limit && now.Sub(sub.progress) > timeout {
		sub.mutex.Unlock()
		return false
	}
	if len(sub.pending) == 0 {
		sub.progress = now
	}
	sub.pending = append(sub.pending, payload)
	sub.mutex.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return true
}

// take hands the whole backlog to the writer.
func (sub *subscriber) take() [][]byte {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()
	pending := sub.pending
	sub.pending = nil
	return pending
}

func (sub *subscriber) wrote(now time.Time) {
	sub.mutex.Lock()
	sub.progress = now
	sub.mutex.Unlock()
}

func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.closed)
		_ = sub.conn.Close()
	})
}

type Broadcaster struct {
	listener     net.Listener
	writeTimeout time.Duration
	queueSize    int
	logger       *logging.Logger
	metrics      *metrics.Registry

	mutex       sync.Mutex
	subscribers map[string]*subscriber
	started     bool
	closed      bool
	done        chan struct{}
	failures    chan error
	wg          sync.WaitGroup
}

// New binds host:port. An empty host binds every interface; port 0 picks a
// free port (see Addr).
func New(host string, port int, options Options) (*Broadcaster, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, address, err)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Broadcaster{
		listener:     listener,
		writeTimeout: writeTimeout,
		queueSize:    queueSize,
		logger:       logger.Component("broadcaster"),
		metrics:      options.Metrics,
		subscribers:  make(map[string]*subscriber),
		done:         make(chan struct{}),
		failures:     make(chan error, 1),
	}, nil
}

// Addr returns the bound address.
func (broadcaster *Broadcaster) Addr() net.Addr {
	return broadcaster.listener.Addr()
}

// Start begins accepting subscribers in the background.
func (broadcaster *Broadcaster) Start(ctx context.Context) error {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	if broadcaster.closed {
		return net.ErrClosed
	}
	if broadcaster.started {
		return nil
	}
	broadcaster.started = true
	broadcaster.wg.Add(1)
	go broadcaster.acceptLoop()
	broadcaster.logger.Info("broadcaster listening", map[string]string{
		"addr": broadcaster.listener.Addr().String(),
	})
	return nil
}

// Failures reports accept-loop failures that were not caused by Stop.
func (broadcaster *Broadcaster) Failures() <-chan error {
	return broadcaster.failures
}

// Broadcast enqueues payload for every active subscriber and returns
// without waiting for any network I/O. A burst larger than QueueSize is held
// for a subscriber whose writer keeps making progress.
func (broadcaster *Broadcaster) Broadcast(payload []byte) {
	broadcaster.mutex.Lock()
	if broadcaster.closed {
		broadcaster.mutex.Unlock()
		return
	}
	now := time.Now()
	stalled := []*subscriber{}
	for _, sub := range broadcaster.subscribers {
		if !sub.enqueue(payload, now, broadcaster.queueSize, broadcaster.writeTimeout) {
			stalled = append(stalled, sub)
		}
	}
	broadcaster.mutex.Unlock()

	broadcaster.metrics.RecordBroadcast(len(payload))
	for _, sub := range stalled {
		broadcaster.drop(sub, errors.New("subscriber stalled"))
	}
}

// SubscriberCount reports the number of active subscribers.
func (broadcaster *Broadcaster) SubscriberCount() int {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	return len(broadcaster.subscribers)
}

// Stop closes the listening socket and every subscriber connection, then
// waits for the connection goroutines until ctx expires.
func (broadcaster *Broadcaster) Stop(ctx context.Context) error {
	broadcaster.mutex.Lock()
	if broadcaster.closed {
		broadcaster.mutex.Unlock()
		return nil
	}
	broadcaster.closed = true
	subscribers := broadcaster.subscribers
	broadcaster.subscribers = make(map[string]*subscriber)
	broadcaster.mutex.Unlock()

	close(broadcaster.done)
	closeErr := broadcaster.listener.Close()
	for _, sub := range subscribers {
		sub.close()
		broadcaster.metrics.SubscriberDropped()
	}

	waited := make(chan struct{})
	go func() {
		broadcaster.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return errors.Join(closeErr, ctx.Err())
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (broadcaster *Broadcaster) acceptLoop() {
	defer broadcaster.wg.Done()
	for {
		conn, err := broadcaster.listener.Accept()
		if err != nil {
			select {
			case <-broadcaster.done:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			broadcaster.logger.Error("accept failed", logging.ErrorFields(err))
			select {
			case broadcaster.failures <- err:
			default:
			}
			return
		}
		broadcaster.add(conn)
	}
}

func (broadcaster *Broadcaster) add(conn net.Conn) {
	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	broadcaster.mutex.Lock()
	if broadcaster.closed {
		broadcaster.mutex.Unlock()
		_ = conn.Close()
		return
	}
	broadcaster.subscribers[sub.id] = sub
	count := len(broadcaster.subscribers)
	broadcaster.wg.Add(2)
	broadcaster.mutex.Unlock()

	broadcaster.metrics.SubscriberConnected()
	broadcaster.logger.Info("subscriber connected", map[string]string{
		"subscriber":  sub.id,
		"remote":      conn.RemoteAddr().String(),
		"subscribers": strconv.Itoa(count),
	})

	go broadcaster.writeLoop(sub)
	go broadcaster.readLoop(sub)
}

// writeLoop drains the subscriber backlog in order.
func (broadcaster *Broadcaster) writeLoop(sub *subscriber) {
	defer broadcaster.wg.Done()
	for {
		select {
		case <-sub.wake:
		case <-sub.closed:
			return
		}
		for _, payload := range sub.take() {
			if err := sub.conn.SetWriteDeadline(time.Now().Add(broadcaster.writeTimeout)); err != nil {
				broadcaster.drop(sub, err)
				return
			}
			if _, err := sub.conn.Write(payload); err != nil {
				broadcaster.drop(sub, err)
				return
			}
			sub.wrote(time.Now())
		}
	}
}

// readLoop discards inbound bytes; recipients never send, so a read error
// means the peer went away.
func (broadcaster *Broadcaster) readLoop(sub *subscriber) {
	defer broadcaster.wg.Done()
	_, err := io.Copy(io.Discard, sub.conn)
	if err == nil {
		err = io.EOF
	}
	broadcaster.drop(sub, err)
}

func (broadcaster *Broadcaster) drop(sub *subscriber, reason error) {
	broadcaster.mutex.Lock()
	_, active := broadcaster.subscribers[sub.id]
	delete(broadcaster.subscribers, sub.id)
	count := len(broadcaster.subscribers)
	broadcaster.mutex.Unlock()

	sub.close()
	if !active {
		return
	}
	broadcaster.metrics.SubscriberDropped()
	fields := map[string]string{
		"subscriber":  sub.id,
		"subscribers": strconv.Itoa(count),
	}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	broadcaster.logger.Debug("subscriber disconnected", fields)
}
