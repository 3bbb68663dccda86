// Package rulekey computes content-addressed rule keys: a fixed-length
// digest of a build rule's identity, its declared outputs and the
// recorded hashes of every file it reads, so the remote coordinator and
// the local build agree on whether a rule's result is already cached.
// It generalizes please's RuleHash/ruleHash in
// src/build/incrementality.go, which folds a target's command, outputs
// and declared config options into a single hash.Hash in a fixed field
// order; this package does the same over a cell-qualified BuildRule.
package rulekey

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/hashes"
)

// Length is the digest size of a Key. It tracks sha1.Size, the length
// please itself uses for rule hashes; the blake3 digest function below is
// truncated to the same length so Key stays a fixed-size array regardless
// of which function produced it.
const Length = sha1.Size

// Key is a content digest identifying one build rule's inputs.
type Key [Length]byte

// String renders a Key as lowercase hex, the form used in logs and the
// rule-key audit log.
func (k Key) String() string {
	return fmt.Sprintf("%x", [Length]byte(k))
}

// Function selects the digest algorithm used to compute rule keys.
type Function string

// Supported key functions. SHA1 is the default, matching please's own
// default Config.Build.HashFunction; BLAKE3 is offered as a faster
// alternative for large repos, the same tradeoff please documents for its
// own hash_function config knob.
const (
	SHA1   Function = "sha1"
	BLAKE3 Function = "blake3"
)

func (fn Function) new() hash.Hash {
	switch fn {
	case BLAKE3:
		return blake3.New()
	default:
		return sha1.New()
	}
}

// A BuildRule is the minimal identity of one rule for key-computation
// purposes: which cell it belongs to, its label, its declared outputs
// (paths that get hashed via the RecordingHashCache) and whether its
// result may be cached at all.
type BuildRule struct {
	Label     string
	Cell      cells.Index
	Outputs   []string
	Cacheable bool
}

// Recorder is the subset of *hashes.RecordingHashCache a Computer needs.
type Recorder interface {
	Record(path string, isDir, isRootSymlink bool) (*hashes.FileHashEntry, error)
}

// A KeyFactory computes and caches rule keys for rules within a single
// cell. please keeps one "arena" of interned rule hashes per repo; we
// keep one per cell instead, since cross-cell rules never share an
// output namespace. KeyFactory is safe for concurrent use.
type KeyFactory struct {
	fn       Function
	recorder Recorder
	resolve  func(cells.Index, string) (string, error) // cell-relative output -> absolute path
	seed     string

	mu    sync.Mutex
	cache map[string]Key
}

func newKeyFactory(fn Function, recorder Recorder, resolve func(cells.Index, string) (string, error), seed string) *KeyFactory {
	return &KeyFactory{fn: fn, recorder: recorder, resolve: resolve, seed: seed, cache: map[string]Key{}}
}

func (f *KeyFactory) keyFor(rule *BuildRule) (Key, error) {
	f.mu.Lock()
	if k, ok := f.cache[rule.Label]; ok {
		f.mu.Unlock()
		return k, nil
	}
	f.mu.Unlock()

	k, err := f.compute(rule)
	if err != nil {
		return Key{}, err
	}
	f.mu.Lock()
	f.cache[rule.Label] = k
	f.mu.Unlock()
	return k, nil
}

func (f *KeyFactory) compute(rule *BuildRule) (Key, error) {
	digest := f.fn.new()
	// The seed (the buck-binary version tag) goes in first so that two
	// otherwise-identical rules built under different toolchain versions
	// never collide on the same key.
	digest.Write([]byte(f.seed))
	digest.Write([]byte(rule.Label))
	writeBool(digest, rule.Cacheable)

	outputs := append([]string(nil), rule.Outputs...)
	sort.Strings(outputs) // deterministic field order regardless of declaration order

	for _, out := range outputs {
		abs, err := f.resolve(rule.Cell, out)
		if err != nil {
			return Key{}, fmt.Errorf("resolving output %s of %s: %w", out, rule.Label, err)
		}
		entry, err := f.recorder.Record(abs, false, false)
		if err != nil {
			return Key{}, fmt.Errorf("hashing output %s of %s: %w", out, rule.Label, err)
		}
		digest.Write([]byte(out))
		digest.Write(entry.Hash)
	}

	var key Key
	copy(key[:], digest.Sum(nil))
	return key, nil
}

func writeBool(h hash.Hash, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}

// Computer computes rule keys for an entire target graph, fanning out
// across a bounded worker pool the way please's own builds fan rule
// execution out across config.Please.NumThreads.
type Computer struct {
	fn       Function
	recorder Recorder
	resolve  func(cells.Index, string) (string, error)
	workers  int
	seed     string

	mu        sync.Mutex
	factories map[cells.Index]*KeyFactory
}

// NewComputer builds a Computer. resolve turns a rule's cell-relative
// output path into an absolute path the recorder can hash; workers bounds
// the parallel fan-out (a value <= 0 is treated as 1). seed is mixed into
// every computed key ahead of the rule's own fields - the buck-binary
// version tag is the intended seed, so that two builds run under
// different toolchain versions never agree on a key by coincidence.
func NewComputer(fn Function, recorder Recorder, resolve func(cells.Index, string) (string, error), workers int, seed string) *Computer {
	if workers <= 0 {
		workers = 1
	}
	return &Computer{
		fn:        fn,
		recorder:  recorder,
		resolve:   resolve,
		workers:   workers,
		seed:      seed,
		factories: map[cells.Index]*KeyFactory{},
	}
}

func (c *Computer) factoryFor(cell cells.Index) *KeyFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.factories[cell]; ok {
		return f
	}
	f := newKeyFactory(c.fn, c.recorder, c.resolve, c.seed)
	c.factories[cell] = f
	return f
}

// ComputeAll computes the rule key for every rule in rules, in parallel
// across c.workers goroutines. If any rule fails, ComputeAll returns the
// first error encountered and discards all partial results: a rule-key
// dump is only ever all-or-nothing, since a jobstate.State with some keys
// missing would be ambiguous to the remote coordinator.
func (c *Computer) ComputeAll(rules []*BuildRule) (map[string]Key, error) {
	type result struct {
		label string
		key   Key
		err   error
	}

	jobs := make(chan *BuildRule)
	results := make(chan result, len(rules))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rule := range jobs {
				k, err := c.factoryFor(rule.Cell).keyFor(rule)
				results <- result{label: rule.Label, key: k, err: err}
			}
		}()
	}

	go func() {
		for _, r := range rules {
			jobs <- r
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]Key, len(rules))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.label] = r.key
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// digestToUint64 is a small helper used by tests to sanity-check that two
// keys differ without printing the full hex digest.
func digestToUint64(k Key) uint64 {
	return binary.BigEndian.Uint64(k[:8])
}
