package rulekey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/hashes"
)

type fakeRecorder struct {
	hashOf map[string][]byte
	fail   string
}

func (f *fakeRecorder) Record(path string, isDir, isRootSymlink bool) (*hashes.FileHashEntry, error) {
	if path == f.fail {
		return nil, errors.New("boom")
	}
	h, ok := f.hashOf[path]
	if !ok {
		h = []byte(path)
	}
	return &hashes.FileHashEntry{Path: path, Hash: h}, nil
}

func identityResolve(_ cells.Index, out string) (string, error) {
	return "/repo/" + out, nil
}

func TestKeyIsDeterministicForSameRule(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}}
	c := NewComputer(SHA1, r, identityResolve, 4, "")

	rule := &BuildRule{Label: "//pkg:target", Outputs: []string{"pkg/out.bin"}, Cacheable: true}
	keys, err := c.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	c2 := NewComputer(SHA1, r, identityResolve, 4, "")
	keys2, err := c2.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	assert.Equal(t, keys["//pkg:target"], keys2["//pkg:target"])
}

func TestKeyDiffersWhenOutputContentDiffers(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{"/repo/pkg/out.bin": []byte("v1")}}
	c := NewComputer(SHA1, r, identityResolve, 2, "")
	rule := &BuildRule{Label: "//pkg:target", Outputs: []string{"pkg/out.bin"}}
	keys, err := c.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	r2 := &fakeRecorder{hashOf: map[string][]byte{"/repo/pkg/out.bin": []byte("v2")}}
	c2 := NewComputer(SHA1, r2, identityResolve, 2, "")
	keys2, err := c2.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	assert.NotEqual(t, digestToUint64(keys["//pkg:target"]), digestToUint64(keys2["//pkg:target"]))
}

func TestKeyIsStableRegardlessOfOutputDeclarationOrder(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}}
	c := NewComputer(SHA1, r, identityResolve, 2, "")

	a := &BuildRule{Label: "//pkg:target", Outputs: []string{"a.bin", "b.bin"}}
	b := &BuildRule{Label: "//pkg:target", Outputs: []string{"b.bin", "a.bin"}}

	keysA, err := c.ComputeAll([]*BuildRule{a})
	require.NoError(t, err)

	c2 := NewComputer(SHA1, r, identityResolve, 2, "")
	keysB, err := c2.ComputeAll([]*BuildRule{b})
	require.NoError(t, err)

	assert.Equal(t, keysA["//pkg:target"], keysB["//pkg:target"])
}

func TestComputeAllDiscardsPartialResultsOnFailure(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}, fail: "/repo/bad.bin"}
	c := NewComputer(SHA1, r, identityResolve, 4, "")

	rules := []*BuildRule{
		{Label: "//pkg:good", Outputs: []string{"good.bin"}},
		{Label: "//pkg:bad", Outputs: []string{"bad.bin"}},
	}
	keys, err := c.ComputeAll(rules)
	assert.Error(t, err)
	assert.Nil(t, keys)
}

func TestKeyFactoryIsPerCell(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}}
	c := NewComputer(SHA1, r, identityResolve, 1, "")

	f1 := c.factoryFor(cells.RootIndex)
	f2 := c.factoryFor(cells.Index(1))
	assert.NotSame(t, f1, f2)
	assert.Same(t, f1, c.factoryFor(cells.RootIndex))
}

func TestKeyDiffersWithDifferentSeed(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}}
	rule := &BuildRule{Label: "//pkg:target", Outputs: []string{"pkg/out.bin"}, Cacheable: true}

	c := NewComputer(SHA1, r, identityResolve, 4, "buck-v1")
	keys, err := c.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	c2 := NewComputer(SHA1, r, identityResolve, 4, "buck-v2")
	keys2, err := c2.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)

	assert.NotEqual(t, keys["//pkg:target"], keys2["//pkg:target"])
}

func TestBlake3ModeProducesFixedLengthKey(t *testing.T) {
	r := &fakeRecorder{hashOf: map[string][]byte{}}
	c := NewComputer(BLAKE3, r, identityResolve, 1, "")
	rule := &BuildRule{Label: "//pkg:target", Outputs: []string{"out.bin"}}
	keys, err := c.ComputeAll([]*BuildRule{rule})
	require.NoError(t, err)
	assert.Len(t, keys["//pkg:target"], Length)
}
