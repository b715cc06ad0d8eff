package adapter

import (
	"sync"
	"testing"
	"time"

	"fsrelay/internal/change"
)

type recorded struct {
	kind change.Kind
	path string
}

type fakeSink struct {
	mutex   sync.Mutex
	records []recorded
	batches []change.Batch
}

func (sink *fakeSink) Record(kind change.Kind, path string) {
	sink.mutex.Lock()
	sink.records = append(sink.records, recorded{kind: kind, path: path})
	sink.mutex.Unlock()
}

func (sink *fakeSink) Inject(batch change.Batch) {
	sink.mutex.Lock()
	sink.batches = append(sink.batches, batch)
	sink.mutex.Unlock()
}

func (sink *fakeSink) has(kind change.Kind, path string) bool {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	for _, entry := range sink.records {
		if entry.kind == kind && entry.path == path {
			return true
		}
	}
	return false
}

func (sink *fakeSink) seen(path string) bool {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	for _, entry := range sink.records {
		if entry.path == path {
			return true
		}
	}
	return false
}

func (sink *fakeSink) injected() []change.Batch {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return append([]change.Batch(nil), sink.batches...)
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
