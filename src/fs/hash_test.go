package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}

func TestHashIsDeterministicForSameContent(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")
	b := writeTemp(t, dir, "b.txt", "hello")

	h := NewPathHasher(dir, SHA1)
	ha, err := h.Hash(a, false, false)
	require.NoError(t, err)
	hb, err := h.Hash(b, false, false)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashDiffersForDifferentContent(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")
	b := writeTemp(t, dir, "b.txt", "world")

	h := NewPathHasher(dir, SHA1)
	ha, _ := h.Hash(a, false, false)
	hb, _ := h.Hash(b, false, false)
	assert.NotEqual(t, ha, hb)
}

func TestHashIsMemoized(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")

	h := NewPathHasher(dir, SHA1)
	first, err := h.Hash(a, false, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(a, []byte("changed"), 0644))
	second, err := h.Hash(a, false, false) // should still see memoized value
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := h.Hash(a, true, false) // force recalculation
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestSetHashOverridesWithoutReadingDisk(t *testing.T) {
	dir := t.TempDir()
	h := NewPathHasher(dir, SHA1)
	h.SetHash(filepath.Join(dir, "never-written.txt"), []byte{1, 2, 3})
	got, err := h.Hash(filepath.Join(dir, "never-written.txt"), false, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestSHA256Mode(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "hello")
	h := NewPathHasher(dir, SHA256)
	got, err := h.Hash(a, false, false)
	require.NoError(t, err)
	assert.Len(t, got, 32)
}
