// Package adapter turns an external change source into calls on a
// change.Sink. Native watches local directories with fsnotify; TCPClient
// receives batches from a remote broadcaster.
package adapter

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"fsrelay/internal/change"
	"fsrelay/internal/logging"

	"github.com/fsnotify/fsnotify"
)

var ErrAdapterStopped = errors.New("adapter: stopped")

// NativeOptions controls the native adapter.
type NativeOptions struct {
	Logger *logging.Logger
}

// Native watches every directory under the record's roots and forwards
// classified changes to the sink. New directories are watched as they
// appear. A watcher error ends the adapter and is reported on Failures.
type Native struct {
	silencer *change.Silencer
	record   *change.Record
	sink     change.Sink
	logger   *logging.Logger

	mutex    sync.Mutex
	watcher  *fsnotify.Watcher
	watched  map[string]struct{}
	started  bool
	closed   bool
	done     chan struct{}
	failures chan error
	wg       sync.WaitGroup
}

func NewNative(silencer *change.Silencer, record *change.Record, sink change.Sink, options NativeOptions) *Native {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Native{
		silencer: silencer,
		record:   record,
		sink:     sink,
		logger:   logger.Component("adapter"),
		watched:  make(map[string]struct{}),
		done:     make(chan struct{}),
		failures: make(chan error, 1),
	}
}

func (native *Native) Start(ctx context.Context) error {
	native.mutex.Lock()
	if native.closed {
		native.mutex.Unlock()
		return ErrAdapterStopped
	}
	if native.started {
		native.mutex.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		native.mutex.Unlock()
		return err
	}
	native.watcher = watcher
	native.started = true
	native.mutex.Unlock()

	for _, root := range native.record.Dirs() {
		if err := native.watchTree(root, false); err != nil {
			return err
		}
	}

	native.wg.Add(1)
	go native.run(watcher)
	native.logger.Info("native adapter watching", map[string]string{
		"directories": strconv.Itoa(len(native.record.Dirs())),
		"watches":     strconv.Itoa(native.watchCount()),
	})
	return nil
}

func (native *Native) Stop(ctx context.Context) error {
	native.mutex.Lock()
	if native.closed {
		native.mutex.Unlock()
		return nil
	}
	native.closed = true
	watcher := native.watcher
	native.mutex.Unlock()

	close(native.done)
	var closeErr error
	if watcher != nil {
		closeErr = watcher.Close()
	}

	waited := make(chan struct{})
	go func() {
		native.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return closeErr
	case <-ctx.Done():
		return errors.Join(closeErr, ctx.Err())
	}
}

// Failures reports watcher errors after Start.
func (native *Native) Failures() <-chan error {
	return native.failures
}

func (native *Native) run(watcher *fsnotify.Watcher) {
	defer native.wg.Done()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			native.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			native.logger.Warn("watcher error", logging.ErrorFields(err))
			select {
			case native.failures <- err:
			default:
			}
			return
		case <-native.done:
			return
		}
	}
}

func (native *Native) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		native.handleGone(path)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		native.handlePresent(path)
	}
}

func (native *Native) handlePresent(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		// Removed before we got to it; the remove event follows.
		return
	}
	if info.IsDir() {
		if native.silencer.Silenced(path, true) {
			return
		}
		if err := native.watchTree(path, true); err != nil {
			native.logger.Warn("watch add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
		return
	}
	native.touchFile(path)
}

func (native *Native) touchFile(path string) {
	if native.silencer.Silenced(path, false) {
		return
	}
	if native.record.Add(path, false) {
		native.sink.Record(change.KindModified, path)
		return
	}
	native.sink.Record(change.KindAdded, path)
}

func (native *Native) handleGone(path string) {
	// Known files carry no watch; roots are never recorded.
	if isDir, known := native.record.Known(path); isDir || !known {
		native.unwatch(path)
	}
	for _, removed := range native.record.Remove(path) {
		native.sink.Record(change.KindRemoved, removed)
	}
}

// watchTree adds a watch for root and every unsilenced directory below it.
// When report is set, files found under a newly created directory are
// recorded as additions since their own create events may have been missed.
func (native *Native) watchTree(root string, report bool) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path != root && native.silencer.Silenced(path, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			if report {
				native.touchFile(path)
			}
			return nil
		}
		if report {
			native.record.Add(path, true)
		}
		return native.watch(path)
	})
}

func (native *Native) watch(path string) error {
	native.mutex.Lock()
	defer native.mutex.Unlock()
	if native.closed || native.watcher == nil {
		return nil
	}
	if _, ok := native.watched[path]; ok {
		return nil
	}
	if err := native.watcher.Add(path); err != nil {
		return err
	}
	native.watched[path] = struct{}{}
	native.logger.Debug("watch added", map[string]string{"path": path})
	return nil
}

func (native *Native) unwatch(path string) {
	native.mutex.Lock()
	defer native.mutex.Unlock()
	prefix := path + string(filepath.Separator)
	for watched := range native.watched {
		if watched != path && !hasPrefix(watched, prefix) {
			continue
		}
		delete(native.watched, watched)
		if native.watcher != nil && !native.closed {
			// The kernel drops watches on deleted directories by itself.
			_ = native.watcher.Remove(watched)
		}
	}
}

func (native *Native) watchCount() int {
	native.mutex.Lock()
	defer native.mutex.Unlock()
	return len(native.watched)
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
