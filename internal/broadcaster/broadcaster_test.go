package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"fsrelay/internal/metrics"
)

func newTestBroadcaster(t *testing.T, options Options) *Broadcaster {
	t.Helper()
	broadcaster, err := New("127.0.0.1", 0, options)
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	if err := broadcaster.Start(context.Background()); err != nil {
		t.Fatalf("start broadcaster: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = broadcaster.Stop(ctx)
	})
	return broadcaster
}

func dial(t *testing.T, broadcaster *Broadcaster) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", broadcaster.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, broadcaster *Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", want, broadcaster.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readExactly(t *testing.T, conn net.Conn, size int) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buffer := make([]byte, size)
	if _, err := io.ReadFull(conn, buffer); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buffer
}

func TestNewReturnsBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	_, err = New("127.0.0.1", port, Options{})
	if !errors.Is(err, ErrBind) {
		t.Fatalf("expected bind error, got %v", err)
	}
}

func TestBroadcastReachesEverySubscriberInOrder(t *testing.T) {
	registry := &metrics.Registry{}
	broadcaster := newTestBroadcaster(t, Options{Metrics: registry})
	conns := []net.Conn{dial(t, broadcaster), dial(t, broadcaster), dial(t, broadcaster)}
	waitForSubscribers(t, broadcaster, len(conns))

	for i := 0; i < 5; i++ {
		broadcaster.Broadcast([]byte("payload-" + strconv.Itoa(i) + ";"))
	}

	for index, conn := range conns {
		got := string(readExactly(t, conn, 5*len("payload-0;")))
		want := "payload-0;payload-1;payload-2;payload-3;payload-4;"
		if got != want {
			t.Fatalf("subscriber %d: expected %q, got %q", index, want, got)
		}
	}
	if snapshot := registry.Snapshot(); snapshot.BatchesBroadcast != 5 || snapshot.SubscribersActive != 3 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
}

func TestBrokenSubscriberDoesNotAffectOthers(t *testing.T) {
	broadcaster := newTestBroadcaster(t, Options{})
	healthy := []net.Conn{dial(t, broadcaster), dial(t, broadcaster)}
	broken := dial(t, broadcaster)
	waitForSubscribers(t, broadcaster, 3)

	if err := broken.Close(); err != nil {
		t.Fatalf("close broken subscriber: %v", err)
	}
	waitForSubscribers(t, broadcaster, 2)

	broadcaster.Broadcast([]byte("next"))
	for index, conn := range healthy {
		if got := string(readExactly(t, conn, 4)); got != "next" {
			t.Fatalf("subscriber %d: expected next, got %q", index, got)
		}
	}
}

func TestBroadcastDoesNotBlockOnStalledSubscriber(t *testing.T) {
	broadcaster := newTestBroadcaster(t, Options{QueueSize: 1, WriteTimeout: 50 * time.Millisecond})
	stalled := dial(t, broadcaster)
	waitForSubscribers(t, broadcaster, 1)
	_ = stalled

	payload := make([]byte, 1<<20)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			broadcaster.Broadcast(payload)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled subscriber")
	}
	waitForSubscribers(t, broadcaster, 0)
}

func TestBurstLargerThanQueueReachesReadingSubscriber(t *testing.T) {
	broadcaster := newTestBroadcaster(t, Options{})
	conn := dial(t, broadcaster)
	waitForSubscribers(t, broadcaster, 1)

	const burst = 500
	received := make(chan []byte, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buffer := make([]byte, burst*6)
		n, _ := io.ReadFull(conn, buffer)
		received <- buffer[:n]
	}()

	want := ""
	for i := 0; i < burst; i++ {
		payload := fmt.Sprintf("%05d;", i)
		want += payload
		broadcaster.Broadcast([]byte(payload))
	}

	got := string(<-received)
	if got != want {
		t.Fatalf("expected %d ordered payloads, got %d bytes", burst, len(got))
	}
	if count := broadcaster.SubscriberCount(); count != 1 {
		t.Fatalf("expected subscriber to stay connected, got %d", count)
	}
}

func TestEnqueueDropsOnlyWithoutProgress(t *testing.T) {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	start := time.Now()
	timeout := time.Second

	for i := 0; i < 2; i++ {
		if !sub.enqueue([]byte{byte(i)}, start, 2, timeout) {
			t.Fatalf("enqueue %d under limit was refused", i)
		}
	}
	if !sub.enqueue([]byte{2}, start.Add(timeout/2), 2, timeout) {
		t.Fatal("over-limit enqueue refused while writer is within timeout")
	}
	if sub.enqueue([]byte{3}, start.Add(2*timeout), 2, timeout) {
		t.Fatal("expected over-limit enqueue to fail once the writer made no progress")
	}

	sub.wrote(start.Add(2 * timeout))
	if !sub.enqueue([]byte{3}, start.Add(2*timeout+time.Millisecond), 2, timeout) {
		t.Fatal("enqueue refused after writer progress")
	}
	if pending := sub.take(); len(pending) != 4 || pending[3][0] != 3 {
		t.Fatalf("unexpected backlog %v", pending)
	}
}

func TestStopClosesSubscribersAndListener(t *testing.T) {
	broadcaster, err := New("127.0.0.1", 0, Options{})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	if err := broadcaster.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := dial(t, broadcaster)
	waitForSubscribers(t, broadcaster, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := broadcaster.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := broadcaster.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected subscriber connection to be closed")
	}
	if _, err := net.DialTimeout("tcp", broadcaster.Addr().String(), 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed")
	}
	broadcaster.Broadcast([]byte("ignored"))
}

func TestStopWithoutStartReleasesPort(t *testing.T) {
	broadcaster, err := New("127.0.0.1", 0, Options{})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	port := broadcaster.Addr().(*net.TCPAddr).Port
	if err := broadcaster.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	again, err := New("127.0.0.1", port, Options{})
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	_ = again.Stop(context.Background())
}
