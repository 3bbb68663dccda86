// Package fs provides the local-filesystem primitives the coordinator needs:
// a memoizing path hasher that the RecordingHashCache decorates, and a
// directory walk helper used when hashing directory-shaped rule inputs.
package fs

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/pkg/xattr"
)

// xattrName is the extended attribute we use to cache hashes of files we
// produced ourselves, so a repeat lookup needn't reread the whole file.
const xattrName = "user.distbuild_hash"

// boolTrueHashValue is written into a hash to record a boolean flag (e.g.
// "this path is a symlink") without colliding with real file content.
var boolTrueHashValue = []byte{2}

// HashFunction selects the underlying digest algorithm. Building actions
// across a multi-language, multi-cell repo is an almost entirely I/O bound
// exercise, so plugging in a faster digest for large trees is worthwhile;
// this mirrors the configurable build.hash_function knob the coordinator's
// rule-key layer exposes.
type HashFunction string

// Supported hash functions.
const (
	SHA1   HashFunction = "sha1"
	SHA256 HashFunction = "sha256"
)

func (fn HashFunction) new() hash.Hash {
	switch fn {
	case SHA256:
		return sha256.New()
	default:
		return sha1.New()
	}
}

// A PathHasher hashes & memoizes file and directory content hashes relative
// to a fixed root. It is the underlying "hash cache" that
// hashes.RecordingHashCache decorates; on its own it has no notion of
// cells or rule keys, just paths and bytes.
type PathHasher struct {
	fn    HashFunction
	memo  map[string][]byte
	mutex sync.RWMutex
	root  string
}

// NewPathHasher returns a new PathHasher rooted at root, hashing with fn.
func NewPathHasher(root string, fn HashFunction) *PathHasher {
	return &PathHasher{
		fn:   fn,
		memo: map[string][]byte{},
		root: root,
	}
}

// Hash hashes a single path, which may be a file, directory or symlink.
// It is memoized so repeated lookups of the same path return the cached
// result, unless recalc forces a fresh hash. If store is true the hash may
// be persisted as an xattr for fast retrieval across process invocations;
// this should never be set for user-controlled source paths.
func (h *PathHasher) Hash(path string, recalc, store bool) ([]byte, error) {
	path = h.ensureRelative(path)
	if !recalc {
		h.mutex.RLock()
		cached, present := h.memo[path]
		h.mutex.RUnlock()
		if present {
			return cached, nil
		}
	}
	result, err := h.hash(path, store)
	if err == nil {
		h.mutex.Lock()
		h.memo[path] = result
		h.mutex.Unlock()
	}
	return result, err
}

// MustHash is as Hash but panics on error. Useful for call sites that have
// already validated the path exists (e.g. replaying a recorded hash entry).
func (h *PathHasher) MustHash(path string) []byte {
	b, err := h.Hash(path, false, false)
	if err != nil {
		panic(err)
	}
	return b
}

// Contents reads back the raw bytes of a (non-directory) path, for callers
// that need to inline file contents into a debug dump alongside its hash.
func (h *PathHasher) Contents(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// SetHash directly installs a hash for a path, used when a value arrived
// from elsewhere (e.g. downloaded from the remote cache) and we already
// know its digest without re-reading it from disk.
func (h *PathHasher) SetHash(path string, hash []byte) {
	path = h.ensureRelative(path)
	h.mutex.Lock()
	h.memo[path] = hash
	h.mutex.Unlock()
}

func (h *PathHasher) hash(path string, store bool) ([]byte, error) {
	rel := path
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.root, path)
	}
	if store {
		if b, err := xattr.LGet(path, xattrName); err == nil {
			return b, nil
		}
	}
	digest := h.fn.new()
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return h.hashSymlink(digest, path)
	} else if err == nil && info.IsDir() {
		err = h.hashDir(digest, path)
	} else {
		err = fileHash(digest, path)
	}
	sum := digest.Sum(nil)
	if err == nil && store && strings.HasPrefix(rel, "plz-dist-out") {
		xattr.LSet(path, xattrName, sum) // best-effort only
	}
	return sum, err
}

func (h *PathHasher) hashSymlink(digest hash.Hash, path string) ([]byte, error) {
	dest, err := os.Readlink(path)
	if err != nil {
		return nil, err
	}
	digest.Write(boolTrueHashValue)
	if rel := h.ensureRelative(dest); (rel != dest || !filepath.IsAbs(dest)) && !filepath.IsAbs(h.ensureRelative(path)) {
		digest.Write([]byte(rel))
		return digest.Sum(nil), nil
	}
	// Outside the tree we manage; hash its actual contents instead.
	err = fileHash(digest, path)
	return digest.Sum(nil), err
}

func (h *PathHasher) hashDir(digest hash.Hash, path string) error {
	return godirwalk.Walk(path, &godirwalk.Options{
		Unsorted: false, // must be deterministic across hosts
		Callback: func(p string, de *godirwalk.Dirent) error {
			if de.IsSymlink() {
				deref, err := filepath.EvalSymlinks(p)
				if err != nil {
					return err
				}
				if !strings.HasPrefix(deref, path) {
					return fmt.Errorf("path %s links outside its own directory (to %s)", p, deref)
				}
				digest.Write(boolTrueHashValue)
				return nil
			} else if de.IsDir() {
				return nil
			}
			return fileHash(digest, p)
		},
	})
}

func fileHash(digest hash.Hash, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(digest, file)
	return err
}

// ensureRelative makes a path relative to the hasher's root, which keeps
// the memoization table small and its keys platform-neutral.
func (h *PathHasher) ensureRelative(path string) string {
	if strings.HasPrefix(path, h.root) {
		path = strings.TrimLeft(strings.TrimPrefix(path, h.root), "/")
	}
	return filepath.ToSlash(path)
}
