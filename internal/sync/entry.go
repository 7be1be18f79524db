// Package sync implements the fsguardian synchronization engine: tree
// scanning, block-level delta computation, bounded version retention,
// bidirectional conflict reconciliation and change-set execution.
package sync

import (
	"sort"
	"time"
)

// EntryKind classifies a snapshot entry.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// Entry is the per-path metadata captured by a scan. For files at or
// above blockDigestThreshold it also carries the ordered block digests
// used for delta matching.
type Entry struct {
	RelPath     string
	Kind        EntryKind
	Size        int64
	ModTime     time.Time
	Fingerprint string
	Blocks      []BlockDigest
	LinkTarget  string // symlinks only
}

// IsFile reports whether the entry is a regular file.
func (e *Entry) IsFile() bool {
	return e != nil && e.Kind == KindFile
}

// SameContent reports whether two entries carry identical content.
func (e *Entry) SameContent(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Kind == other.Kind && e.Fingerprint == other.Fingerprint
}

// Tree names one of the two synchronized trees. Used to partition the
// fingerprint index.
type Tree string

const (
	TreeSource Tree = "source"
	TreeTarget Tree = "target"
)

// Snapshot is an immutable capture of one tree's entries keyed by
// slash-separated relative path. It is never mutated after Scan returns
// and may be shared freely across goroutines.
type Snapshot struct {
	Root    string
	TakenAt time.Time
	entries map[string]*Entry
}

func newSnapshot(root string, entries map[string]*Entry) *Snapshot {
	return &Snapshot{
		Root:    root,
		TakenAt: time.Now(),
		entries: entries,
	}
}

// EmptySnapshot returns a snapshot with no entries, used as the implicit
// baseline on a first bidirectional run.
func EmptySnapshot(root string) *Snapshot {
	return newSnapshot(root, map[string]*Entry{})
}

// Get returns the entry for a relative path, or nil when absent.
func (s *Snapshot) Get(path string) *Entry {
	return s.entries[path]
}

// Has reports whether the snapshot contains the path.
func (s *Snapshot) Has(path string) bool {
	_, ok := s.entries[path]
	return ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Paths returns all relative paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TotalBytes sums the sizes of all file entries.
func (s *Snapshot) TotalBytes() int64 {
	var total int64
	for _, e := range s.entries {
		if e.Kind == KindFile {
			total += e.Size
		}
	}
	return total
}
