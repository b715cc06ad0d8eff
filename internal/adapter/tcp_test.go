package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"fsrelay/internal/change"
	"fsrelay/internal/metrics"
	"fsrelay/internal/wire"
)

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr).Port
}

func accept(t *testing.T, listener net.Listener) net.Conn {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	select {
	case conn, ok := <-accepted:
		if !ok {
			t.Fatal("accept failed")
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
	}
	return nil
}

func sendBatch(t *testing.T, conn net.Conn, batch change.Batch) {
	t.Helper()
	payload, err := wire.NewMessage(batch).Payload()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func startClient(t *testing.T, port int, sink change.Sink, options TCPOptions) *TCPClient {
	t.Helper()
	client := NewTCPClient("127.0.0.1", port, sink, options)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Stop(ctx)
	})
	return client
}

func TestTCPClientInjectsBatchesAndSkipsCorruptFrames(t *testing.T) {
	listener, port := listenLoopback(t)
	registry := &metrics.Registry{}
	sink := &fakeSink{}
	startClient(t, port, sink, TCPOptions{Metrics: registry})
	conn := accept(t, listener)

	first := change.Batch{Modified: []string{"/srv/app.rb"}}
	second := change.Batch{Added: []string{"/srv/new.rb"}, Removed: []string{"/srv/old.rb"}}
	sendBatch(t, conn, first)

	corrupt := make([]byte, wire.HeaderSize, wire.HeaderSize+3)
	binary.BigEndian.PutUint32(corrupt, 3)
	corrupt = append(corrupt, 0xff, 0xff, 0xff)
	if _, err := conn.Write(corrupt); err != nil {
		t.Fatalf("write corrupt frame: %v", err)
	}
	sendBatch(t, conn, second)

	waitUntil(t, "two batches", func() bool { return len(sink.injected()) == 2 })
	batches := sink.injected()
	if !batches[0].Equal(first) || !batches[1].Equal(second) {
		t.Fatalf("unexpected batches %+v", batches)
	}
	snapshot := registry.Snapshot()
	if snapshot.FramesReceived != 2 || snapshot.FramesCorrupt != 1 {
		t.Fatalf("unexpected frame counters %+v", snapshot)
	}
}

func TestTCPClientReconnectsAfterDisconnect(t *testing.T) {
	listener, port := listenLoopback(t)
	registry := &metrics.Registry{}
	sink := &fakeSink{}
	startClient(t, port, sink, TCPOptions{InitialInterval: 10 * time.Millisecond, Metrics: registry})

	first := accept(t, listener)
	sendBatch(t, first, change.Batch{Modified: []string{"/before"}})
	waitUntil(t, "first batch", func() bool { return len(sink.injected()) == 1 })
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := accept(t, listener)
	sendBatch(t, second, change.Batch{Modified: []string{"/after"}})
	waitUntil(t, "second batch", func() bool { return len(sink.injected()) == 2 })

	if got := sink.injected()[1]; !got.Equal(change.Batch{Modified: []string{"/after"}}) {
		t.Fatalf("unexpected batch after reconnect %+v", got)
	}
	if registry.Snapshot().Reconnects < 1 {
		t.Fatal("expected a reconnect to be counted")
	}
}

func TestTCPClientReportsExhaustedReconnects(t *testing.T) {
	listener, port := listenLoopback(t)
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	client := startClient(t, port, &fakeSink{}, TCPOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     3,
	})
	select {
	case err := <-client.Failures():
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("expected exhausted error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
}

func TestTCPClientStopClosesConnection(t *testing.T) {
	listener, port := listenLoopback(t)
	client := NewTCPClient("127.0.0.1", port, &fakeSink{}, TCPOptions{})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := accept(t, listener)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := client.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed by stop")
	}
}

func TestReconnectBackOffPolicy(t *testing.T) {
	policy := newReconnectBackOff(200*time.Millisecond, 5*time.Second)
	previousMax := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		delay := policy.NextBackOff()
		expected := 200 * time.Millisecond * time.Duration(1<<attempt)
		if expected > 5*time.Second {
			expected = 5 * time.Second
		}
		low := time.Duration(float64(expected) * (1 - reconnectJitter))
		high := time.Duration(float64(expected)*(1+reconnectJitter)) + time.Millisecond
		if delay < low || delay > high {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, delay, low, high)
		}
		if high < previousMax {
			t.Fatalf("attempt %d: bound decreased", attempt)
		}
		previousMax = high
	}
}
