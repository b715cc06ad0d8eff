package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Registry struct {
	batchesDetected     atomic.Int64
	batchesSuppressed   atomic.Int64
	batchesBroadcast    atomic.Int64
	callbackPanics      atomic.Int64
	bytesBroadcast      atomic.Int64
	subscribersActive   atomic.Int64
	subscribersAccepted atomic.Int64
	subscribersDropped  atomic.Int64
	framesReceived      atomic.Int64
	framesCorrupt       atomic.Int64
	reconnects          atomic.Int64
	restarts            sync.Map
}

var Default = &Registry{}

func (r *Registry) IncBatchDetected() {
	if r == nil {
		return
	}
	r.batchesDetected.Add(1)
}

func (r *Registry) IncBatchSuppressed() {
	if r == nil {
		return
	}
	r.batchesSuppressed.Add(1)
}

func (r *Registry) IncCallbackPanic() {
	if r == nil {
		return
	}
	r.callbackPanics.Add(1)
}

// RecordBroadcast counts one fan-out of a payload of the given size.
func (r *Registry) RecordBroadcast(size int) {
	if r == nil {
		return
	}
	r.batchesBroadcast.Add(1)
	r.bytesBroadcast.Add(int64(size))
}

func (r *Registry) SubscriberConnected() {
	if r == nil {
		return
	}
	r.subscribersAccepted.Add(1)
	r.subscribersActive.Add(1)
}

func (r *Registry) SubscriberDropped() {
	if r == nil {
		return
	}
	r.subscribersDropped.Add(1)
	r.subscribersActive.Add(-1)
}

func (r *Registry) IncFrameReceived() {
	if r == nil {
		return
	}
	r.framesReceived.Add(1)
}

func (r *Registry) IncFrameCorrupt() {
	if r == nil {
		return
	}
	r.framesCorrupt.Add(1)
}

func (r *Registry) IncReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Add(1)
}

func (r *Registry) IncRestart(component string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(component) == "" {
		component = "unknown"
	}
	value, _ := r.restarts.LoadOrStore(component, &atomic.Int64{})
	value.(*atomic.Int64).Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BatchesDetected     int64
	BatchesSuppressed   int64
	BatchesBroadcast    int64
	CallbackPanics      int64
	BytesBroadcast      int64
	SubscribersActive   int64
	SubscribersAccepted int64
	SubscribersDropped  int64
	FramesReceived      int64
	FramesCorrupt       int64
	Reconnects          int64
	Restarts            map[string]int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		BatchesDetected:     r.batchesDetected.Load(),
		BatchesSuppressed:   r.batchesSuppressed.Load(),
		BatchesBroadcast:    r.batchesBroadcast.Load(),
		CallbackPanics:      r.callbackPanics.Load(),
		BytesBroadcast:      r.bytesBroadcast.Load(),
		SubscribersActive:   r.subscribersActive.Load(),
		SubscribersAccepted: r.subscribersAccepted.Load(),
		SubscribersDropped:  r.subscribersDropped.Load(),
		FramesReceived:      r.framesReceived.Load(),
		FramesCorrupt:       r.framesCorrupt.Load(),
		Reconnects:          r.reconnects.Load(),
		Restarts:            map[string]int64{},
	}
	r.restarts.Range(func(key, value interface{}) bool {
		snapshot.Restarts[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	snapshot := r.Snapshot()

	writeCounter(writer, "fsrelay_batches_detected_total", "Change batches delivered by the aggregator", snapshot.BatchesDetected)
	writeCounter(writer, "fsrelay_batches_suppressed_total", "Change batches ignored while paused or stopped", snapshot.BatchesSuppressed)
	writeCounter(writer, "fsrelay_batches_broadcast_total", "Change batches fanned out to subscribers", snapshot.BatchesBroadcast)
	writeCounter(writer, "fsrelay_broadcast_bytes_total", "Payload bytes handed to the broadcaster", snapshot.BytesBroadcast)
	writeCounter(writer, "fsrelay_callback_panics_total", "Recovered panics raised by change callbacks", snapshot.CallbackPanics)
	writeGauge(writer, "fsrelay_subscribers_active", "Currently connected subscribers", snapshot.SubscribersActive)
	writeCounter(writer, "fsrelay_subscribers_accepted_total", "Subscriber connections accepted", snapshot.SubscribersAccepted)
	writeCounter(writer, "fsrelay_subscribers_dropped_total", "Subscriber connections dropped", snapshot.SubscribersDropped)
	writeCounter(writer, "fsrelay_frames_received_total", "Frames decoded by the tcp adapter", snapshot.FramesReceived)
	writeCounter(writer, "fsrelay_frames_corrupt_total", "Frames discarded by the tcp adapter", snapshot.FramesCorrupt)
	writeCounter(writer, "fsrelay_reconnects_total", "TCP adapter reconnect attempts", snapshot.Reconnects)

	names := make([]string, 0, len(snapshot.Restarts))
	for name := range snapshot.Restarts {
		names = append(names, name)
	}
	sort.Strings(names)

	writeHelp(writer, "fsrelay_component_restarts_total", "Supervisor restarts per component")
	fmt.Fprintln(writer, "# TYPE fsrelay_component_restarts_total counter")
	for _, name := range names {
		fmt.Fprintf(writer, "fsrelay_component_restarts_total{component=%s} %d\n", formatLabel(name), snapshot.Restarts[name])
	}
	return nil
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
