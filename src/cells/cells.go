// Package cells assigns stable small integers to source roots ("cells")
// and resolves paths back to the cell that contains them. It generalizes
// please's notion of a Subrepo (see core.Subrepo) into a standalone,
// concurrency-safe registry that the rest of the coordinator indexes by.
package cells

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Index is a stable, non-negative, per-repo identifier for a cell. The
// root cell is always index 0; every other cell receives a strictly
// increasing index in first-seen order.
type Index uint32

// RootIndex is the index reserved for the invocation's own root cell.
const RootIndex Index = 0

// A Cell describes one registered source root.
type Cell struct {
	Index           Index
	Name            string
	Root            string            // absolute path to the cell's root directory
	ConfigOverrides map[string]string // cell-local config overrides, if any
}

// Indexer assigns and resolves cell indices. It is safe for concurrent use
// by any number of rule-key workers; all mutation is behind a single
// mutex-guarded monotonic counter, mirroring the counter discipline
// core.BuildState uses for its own active/pending/done tallies.
type Indexer struct {
	mu    sync.Mutex
	byRoot map[string]*Cell
	order []*Cell // index order == append order, so order[i].Index == Index(i)
}

// NewIndexer creates an Indexer whose root cell (index 0) is rooted at root.
func NewIndexer(rootName, root string) *Indexer {
	root = filepath.Clean(root)
	idx := &Indexer{byRoot: map[string]*Cell{}}
	idx.register(rootName, root, nil)
	return idx
}

// Register adds a new cell under the given name and root, returning its
// index. Calling Register twice for the same root is idempotent: the
// existing index is returned and the name/overrides from the first call
// win.
func (idx *Indexer) Register(name, root string, overrides map[string]string) Index {
	root = filepath.Clean(root)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if c, ok := idx.byRoot[root]; ok {
		return c.Index
	}
	return idx.register(name, root, overrides).Index
}

// register performs the actual insertion; callers must hold idx.mu (or be
// the constructor, before any other goroutine has a reference).
func (idx *Indexer) register(name, root string, overrides map[string]string) *Cell {
	c := &Cell{
		Index:           Index(len(idx.order)),
		Name:            name,
		Root:            root,
		ConfigOverrides: overrides,
	}
	idx.order = append(idx.order, c)
	idx.byRoot[root] = c
	return c
}

// IndexOf resolves an absolute path to the registered cell that contains
// it, preferring the longest matching root. It never registers a new cell:
// it returns an error if path doesn't lie within any known cell root.
func (idx *Indexer) IndexOf(path string) (Index, error) {
	path = filepath.Clean(path)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var best *Cell
	for _, c := range idx.order {
		if path == c.Root || strings.HasPrefix(path, c.Root+string(filepath.Separator)) {
			if best == nil || len(c.Root) > len(best.Root) {
				best = c // prefer the most specific (longest) matching root
			}
		}
	}
	if best == nil {
		return 0, fmt.Errorf("path %s is not within any known cell root", path)
	}
	return best.Index, nil
}

// Cell returns the metadata for a given index. It panics if the index was
// never assigned; callers are expected to only ever hold indices that came
// from this Indexer.
func (idx *Indexer) Cell(i Index) *Cell {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if int(i) >= len(idx.order) {
		panic(fmt.Sprintf("cell index %d was never assigned", i))
	}
	return idx.order[i]
}

// Enumerate returns every registered cell in index order (i.e. first-seen
// order, root cell first).
func (idx *Indexer) Enumerate() []*Cell {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ret := make([]*Cell, len(idx.order))
	copy(ret, idx.order)
	return ret
}

// RelativePath returns path expressed relative to the given cell's root,
// using forward slashes regardless of platform, per the wire schema's
// cell-relative path convention.
func (idx *Indexer) RelativePath(i Index, path string) (string, error) {
	c := idx.Cell(i)
	rel, err := filepath.Rel(c.Root, filepath.Clean(path))
	if err != nil {
		return "", err
	} else if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s does not lie within cell %s", path, c.Name)
	}
	return filepath.ToSlash(rel), nil
}
