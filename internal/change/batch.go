// Package change holds the change batch model and the collaborators that
// turn raw filesystem events into batches: the silencer, the record and the
// aggregator.
package change

import "sort"

// Kind classifies a single path change.
type Kind string

const (
	KindModified Kind = "modified"
	KindAdded    Kind = "added"
	KindRemoved  Kind = "removed"
)

// Kinds lists the recognized kinds in delivery order.
var Kinds = []Kind{KindModified, KindAdded, KindRemoved}

// Batch is one coalesced report of changed paths.
type Batch struct {
	Modified []string
	Added    []string
	Removed  []string
}

// Empty reports whether the batch carries no paths.
func (b Batch) Empty() bool {
	return len(b.Modified) == 0 && len(b.Added) == 0 && len(b.Removed) == 0
}

// Len returns the total number of paths.
func (b Batch) Len() int {
	return len(b.Modified) + len(b.Added) + len(b.Removed)
}

// Paths returns the list for kind.
func (b Batch) Paths(kind Kind) []string {
	switch kind {
	case KindModified:
		return b.Modified
	case KindAdded:
		return b.Added
	case KindRemoved:
		return b.Removed
	default:
		return nil
	}
}

// Equal compares lists by value and order. Nil and empty lists are equal.
func (b Batch) Equal(other Batch) bool {
	return equalPaths(b.Modified, other.Modified) &&
		equalPaths(b.Added, other.Added) &&
		equalPaths(b.Removed, other.Removed)
}

// Normalize replaces nil lists with empty ones.
func (b Batch) Normalize() Batch {
	if b.Modified == nil {
		b.Modified = []string{}
	}
	if b.Added == nil {
		b.Added = []string{}
	}
	if b.Removed == nil {
		b.Removed = []string{}
	}
	return b
}

func equalPaths(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func batchFromPending(pending map[string]Kind) Batch {
	batch := Batch{}.Normalize()
	for path, kind := range pending {
		switch kind {
		case KindModified:
			batch.Modified = append(batch.Modified, path)
		case KindAdded:
			batch.Added = append(batch.Added, path)
		case KindRemoved:
			batch.Removed = append(batch.Removed, path)
		}
	}
	sort.Strings(batch.Modified)
	sort.Strings(batch.Added)
	sort.Strings(batch.Removed)
	return batch
}
