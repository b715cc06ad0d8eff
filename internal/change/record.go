package change

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Record is the snapshot of known paths under the watched directories.
type Record struct {
	mu       sync.RWMutex
	dirs     []string
	silencer *Silencer
	entries  map[string]bool
}

// NewRecord creates an empty record for dirs. Call Build to populate it.
func NewRecord(dirs []string, silencer *Silencer) *Record {
	cleaned := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		cleaned = append(cleaned, filepath.Clean(dir))
	}
	return &Record{
		dirs:     cleaned,
		silencer: silencer,
		entries:  make(map[string]bool),
	}
}

// Build walks every directory and replaces the snapshot. Unreadable
// entries are skipped.
func (record *Record) Build() error {
	entries := make(map[string]bool)
	for _, dir := range record.dirs {
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == dir {
					return err
				}
				return nil
			}
			if path == dir {
				return nil
			}
			if record.silencer.Silenced(path, entry.IsDir()) {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			entries[path] = entry.IsDir()
			return nil
		})
		if err != nil {
			return err
		}
	}

	record.mu.Lock()
	record.entries = entries
	record.mu.Unlock()
	return nil
}

// Add stores path. It reports whether the path was already known.
func (record *Record) Add(path string, isDir bool) bool {
	record.mu.Lock()
	defer record.mu.Unlock()
	_, known := record.entries[path]
	record.entries[path] = isDir
	return known
}

// Remove forgets path and everything below it, returning the removed file
// paths in sorted order. Directories themselves are not returned.
func (record *Record) Remove(path string) []string {
	record.mu.Lock()
	defer record.mu.Unlock()

	isDir, known := record.entries[path]
	if !known {
		return nil
	}
	delete(record.entries, path)
	if !isDir {
		return []string{path}
	}

	prefix := path + string(filepath.Separator)
	removed := []string{}
	for candidate, candidateIsDir := range record.entries {
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		delete(record.entries, candidate)
		if !candidateIsDir {
			removed = append(removed, candidate)
		}
	}
	sort.Strings(removed)
	return removed
}

// Known reports whether path is in the snapshot and whether it is a directory.
func (record *Record) Known(path string) (isDir bool, known bool) {
	record.mu.RLock()
	defer record.mu.RUnlock()
	isDir, known = record.entries[path]
	return isDir, known
}

// Dirs returns the watched root directories.
func (record *Record) Dirs() []string {
	return append([]string(nil), record.dirs...)
}

// Start builds the initial snapshot.
func (record *Record) Start(context.Context) error {
	return record.Build()
}

func (record *Record) Stop(context.Context) error { return nil }
