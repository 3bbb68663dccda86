// Package concurrent contains a thread-safe concurrent awaitable map used
// throughout the coordinator as the rendezvous primitive between producer
// and consumer goroutines: the file-hash recorder uses it to enforce
// at-most-once-per-path recording, and the remote synchronizer uses it as
// the latch set that lets the local builder block on a rule key until the
// remote build signals it.
package concurrent

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is a reasonable default shard count for maps that may
// see concurrent access from every rule-key worker at once.
const DefaultShardCount = 1 << 6

// A Map is the top-level map type. All methods on it are threadsafe.
// Construct it with New or NewStringMap rather than building one directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint64
	mask   uint64
}

// New creates a new Map using the given hasher to distribute keys across
// shards. shardCount must be a power of 2; New panics otherwise.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if shardCount&mask != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

// NewStringMap is a convenience constructor for the common case of a map
// keyed by strings (cell-relative paths, hex-encoded rule keys), hashed
// with xxhash for shard distribution.
func NewStringMap[V any]() *Map[string, V] {
	return New[string, V](DefaultShardCount, func(k string) uint64 { return xxhash.Sum64String(k) })
}

// Set is the equivalent of `map[key] = val`. It returns true if this call
// performed the insertion, false if the key already held a value (in which
// case val is discarded). Combined with the fact that it never overwrites
// an existing value, this gives callers first-writer-wins, monotonic,
// terminal semantics for free: a key's value can only ever be set once.
func (m *Map[K, V]) Set(key K, val V) bool {
	return m.shards[m.hasher(key)&m.mask].Set(key, val)
}

// Get returns the value for key or, if it isn't present yet, a channel the
// caller can wait on; the channel closes once some goroutine calls Set for
// that key. Exactly one of the value or the channel is meaningful: check
// wait for nil.
func (m *Map[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	return m.shards[m.hasher(key)&m.mask].Get(key)
}

// Values returns a snapshot of all values currently set in the map. Keys
// that only have waiters (no value yet) are omitted.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// Len returns the number of keys that currently hold a set value.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		n += m.shards[i].Len()
	}
	return n
}

type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) Set(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false // already set, never overwrite
		}
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v.Val, v.Wait
	}
	ch := make(chan struct{})
	s.m[key] = awaitableValue[V]{Wait: ch}
	return val, ch
}

func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}

func (s *shard[K, V]) Len() int {
	s.l.Lock()
	defer s.l.Unlock()
	n := 0
	for _, v := range s.m {
		if v.Wait == nil {
			n++
		}
	}
	return n
}
