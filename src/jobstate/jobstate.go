// Package jobstate defines the wire format shipped between the local
// build and the remote coordinator: a snapshot of the cells involved, the
// serialized action graph, the requested top-level targets and every
// recorded file hash. It's gob-encoded, following please's own habit of
// reaching for encoding/gob (see ContainerSettings in
// src/build/incrementality.go) ahead of protobuf for state that never
// crosses a service boundary on its own: the gRPC envelope in
// src/remotebuild carries this blob as opaque bytes.
package jobstate

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/hashes"
	"github.com/thought-machine/distbuild/src/rulekey"
)

// CellEntry is one cell's wire-format record.
type CellEntry struct {
	Index           cells.Index
	Name            string
	ConfigOverrides map[string]string
}

// State is the complete snapshot submitted to the remote coordinator and
// optionally dumped to --build_state_file.
type State struct {
	Cells           []CellEntry
	TargetGraphNodes [][]byte // opaque, already-serialized action-graph nodes
	TopLevelTargets []string
	FileHashes      []hashes.FileHashEntry
	BuckVersion     string

	// RuleKeys is every cacheable rule key submitted for the remote to
	// build. The RemoteController uses this set to know which keys to
	// broadcast NotBuilt for once the remote build reaches a terminal
	// state without having signalled them either way.
	RuleKeys []rulekey.Key
}

// Validate checks the structural invariants a State must hold before it's
// usable: every cell index referenced by a file hash must have a matching
// CellEntry. The target-graph nodes are opaque, already-serialized bytes
// as far as this package is concerned, so Validate does not check that
// TopLevelTargets is a subset of the graph's node names.
func (s *State) Validate() error {
	known := make(map[cells.Index]bool, len(s.Cells))
	for _, c := range s.Cells {
		known[c.Index] = true
	}
	for _, h := range s.FileHashes {
		if h.PathIsAbsolute {
			continue
		}
		if !known[h.Cell] {
			return fmt.Errorf("file hash for %s references unknown cell %d", h.Path, h.Cell)
		}
	}
	return nil
}

// Encode gob-encodes s.
func Encode(s *State) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encoding job state: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode and validates the result.
func Decode(b []byte) (*State, error) {
	var s State
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding job state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromCells builds the Cells portion of a State from an Indexer snapshot.
func FromCells(idx *cells.Indexer) []CellEntry {
	enumerated := idx.Enumerate()
	out := make([]CellEntry, len(enumerated))
	for i, c := range enumerated {
		out[i] = CellEntry{Index: c.Index, Name: c.Name, ConfigOverrides: c.ConfigOverrides}
	}
	return out
}
