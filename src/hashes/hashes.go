// Package hashes records the file hashes a build observes, exactly once
// per (cell, path), for later inclusion in a jobstate.State dump. It
// decorates an underlying file hasher the way please's own
// build/incrementality.go pathHashMemoizer wraps raw file reads with a
// memo table, except here the memo is keyed across cells and the
// uniqueness guarantee is enforced with a concurrent awaitable map rather
// than a plain mutex-guarded Go map, since rule-key workers across many
// goroutines may race to hash the same path.
package hashes

import (
	"fmt"
	"path/filepath"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/concurrent"
)

// FileHashEntry is one recorded observation: the hash of path within cell,
// ready to be placed verbatim into a jobstate.State.FileHashes list.
type FileHashEntry struct {
	Cell           cells.Index
	Path           string // cell-relative, forward-slash
	Hash           []byte
	IsDirectory    bool
	IsRootSymlink  bool
	PathIsAbsolute bool // true if Path lies outside every known cell
	Contents       []byte // only populated when the cache was built WithContents
}

// Hasher is the subset of fs.PathHasher that RecordingHashCache depends on,
// so tests can substitute a fake.
type Hasher interface {
	Hash(path string, recalc, store bool) ([]byte, error)
}

// RecordingHashCache decorates a Hasher, recording each distinct (cell,
// path) pair it's asked to hash exactly once. Safe for concurrent use.
type RecordingHashCache struct {
	hasher       Hasher
	index        *cells.Indexer
	seen         *concurrent.Map[string, *FileHashEntry]
	withContents bool
}

// Option configures a RecordingHashCache at construction time.
type Option func(*RecordingHashCache)

// WithContents makes the cache inline file contents into recorded entries,
// for use by the --build_state_file debug dump.
func WithContents() Option {
	return func(c *RecordingHashCache) { c.withContents = true }
}

// New builds a RecordingHashCache around hasher, resolving paths against
// index.
func New(hasher Hasher, index *cells.Indexer, opts ...Option) *RecordingHashCache {
	c := &RecordingHashCache{
		hasher: hasher,
		index:  index,
		seen:   concurrent.NewStringMap[*FileHashEntry](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record hashes path (if not already recorded) and returns its entry.
// Once a path is recorded, later callers get the same entry back without
// re-hashing. Callers that race on a path before it is recorded each hash
// it, but only the first entry stored is kept and returned to all of them.
func (c *RecordingHashCache) Record(path string, isDir, isRootSymlink bool) (*FileHashEntry, error) {
	if existing, wait := c.seen.Get(path); wait == nil {
		return existing, nil
	} else if entry, err := c.compute(path, isDir, isRootSymlink); err != nil {
		return nil, err
	} else {
		c.seen.Set(path, entry)
		// A second goroutine may have raced us and lost; Set is a no-op then,
		// so always re-fetch to return the canonical winner.
		winner, _ := c.seen.Get(path)
		return winner, nil
	}
}

func (c *RecordingHashCache) compute(path string, isDir, isRootSymlink bool) (*FileHashEntry, error) {
	sum, err := c.hasher.Hash(path, false, true)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	cell, relErr := c.index.IndexOf(path)
	entry := &FileHashEntry{
		Hash:          sum,
		IsDirectory:   isDir,
		IsRootSymlink: isRootSymlink,
	}
	if relErr != nil {
		entry.PathIsAbsolute = true
		entry.Path = filepath.ToSlash(path)
		return entry, nil
	}
	rel, err := c.index.RelativePath(cell, path)
	if err != nil {
		return nil, err
	}
	entry.Cell = cell
	entry.Path = rel
	if c.withContents {
		if b, ok := c.hasher.(interface {
			Contents(string) ([]byte, error)
		}); ok {
			contents, err := b.Contents(path)
			if err == nil {
				entry.Contents = contents
			}
		}
	}
	return entry, nil
}

// Entries returns every entry recorded so far, in no particular order.
func (c *RecordingHashCache) Entries() []*FileHashEntry {
	return c.seen.Values()
}

// Count returns the number of distinct paths recorded so far.
func (c *RecordingHashCache) Count() int {
	return c.seen.Len()
}

