package jobstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/hashes"
	"github.com/thought-machine/distbuild/src/rulekey"
)

func sampleState() *State {
	var key rulekey.Key
	key[0] = 0xAB
	return &State{
		Cells: []CellEntry{
			{Index: cells.RootIndex, Name: "//"},
			{Index: cells.Index(1), Name: "third_party"},
		},
		TargetGraphNodes: [][]byte{[]byte("node-a"), []byte("node-b")},
		TopLevelTargets:  []string{"//pkg:target"},
		FileHashes: []hashes.FileHashEntry{
			{Cell: cells.RootIndex, Path: "pkg/file.go", Hash: []byte{1, 2, 3}},
			{Cell: cells.Index(1), Path: "vendor/lib.go", Hash: []byte{4, 5, 6}},
		},
		BuckVersion: "1.2.3",
		RuleKeys:    []rulekey.Key{key},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleState()
	b, err := Encode(s)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestValidateRejectsUnknownCellReference(t *testing.T) {
	s := sampleState()
	s.FileHashes = append(s.FileHashes, hashes.FileHashEntry{Cell: cells.Index(99), Path: "ghost.go"})
	assert.Error(t, s.Validate())
}

func TestValidateAllowsAbsolutePathsRegardlessOfCell(t *testing.T) {
	s := sampleState()
	s.FileHashes = append(s.FileHashes, hashes.FileHashEntry{
		Cell: cells.Index(99), Path: "/outside/file.go", PathIsAbsolute: true,
	})
	assert.NoError(t, s.Validate())
}

func TestFromCellsMirrorsIndexerEnumeration(t *testing.T) {
	idx := cells.NewIndexer("//", "/repo")
	idx.Register("third_party", "/repo/third_party", nil)

	entries := FromCells(idx)
	require.Len(t, entries, 2)
	assert.Equal(t, cells.RootIndex, entries[0].Index)
	assert.Equal(t, "third_party", entries[1].Name)
}

func TestDecodeRejectsGarbageBytes(t *testing.T) {
	_, err := Decode([]byte("not a gob stream"))
	assert.Error(t, err)
}
