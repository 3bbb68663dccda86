// Package sync lets the local build block on a rule key until the remote
// build either produces it, reports it as not-built, or the whole
// synchronizer is cancelled. It composes concurrent.Map (please's
// src/cmap awaitable map, generalized into src/concurrent) for
// per-key signalling with a single broadcast-style cancel channel in the
// manner of please's src/core/broadcast_chan.go BroadcastChan.
package sync

import (
	"context"
	"errors"

	"github.com/thought-machine/distbuild/src/concurrent"
	"github.com/thought-machine/distbuild/src/rulekey"
)

// Outcome is the terminal result of waiting on a rule key.
type Outcome int

const (
	// Available means the remote build produced the artifact; the local
	// build may fetch it from cache instead of building it itself.
	Available Outcome = iota
	// NotBuilt means the remote decided not to (or failed to) build this
	// rule; the local build must build it itself.
	NotBuilt
	// Cancelled means the synchronizer was cancelled before this key
	// resolved either way.
	Cancelled
)

// ErrCancelled is returned by Wait when the synchronizer is cancelled
// while the wait was pending, for callers that want the error form rather
// than switching on Outcome.
var ErrCancelled = errors.New("remote synchronizer cancelled")

type signal struct {
	outcome Outcome
}

// Synchronizer is safe for concurrent use by any number of waiting and
// signalling goroutines.
type Synchronizer struct {
	keys     *concurrent.Map[string, signal]
	cancelCh chan struct{}
}

// New creates a Synchronizer with no keys resolved yet.
func New() *Synchronizer {
	return &Synchronizer{
		keys:     concurrent.NewStringMap[signal](),
		cancelCh: make(chan struct{}),
	}
}

// Wait blocks until key's outcome is known, the synchronizer is
// cancelled, or ctx is done. A rule key's outcome is terminal: once
// signalled, every past and future Wait call for that key returns the
// same Outcome immediately.
func (s *Synchronizer) Wait(ctx context.Context, key rulekey.Key) (Outcome, error) {
	k := key.String()
	if v, wait := s.keys.Get(k); wait == nil {
		return v.outcome, nil
	} else {
		select {
		case <-wait:
			v, _ := s.keys.Get(k)
			return v.outcome, nil
		case <-s.cancelCh:
			return Cancelled, ErrCancelled
		case <-ctx.Done():
			return Cancelled, ctx.Err()
		}
	}
}

// SignalAvailable marks key as remotely available, waking every current
// and future waiter. A no-op if the synchronizer was already cancelled or
// the key was already signalled.
func (s *Synchronizer) SignalAvailable(key rulekey.Key) {
	s.signal(key, Available)
}

// SignalNotBuilt marks key as not remotely built. Same semantics as
// SignalAvailable otherwise.
func (s *Synchronizer) SignalNotBuilt(key rulekey.Key) {
	s.signal(key, NotBuilt)
}

func (s *Synchronizer) signal(key rulekey.Key, outcome Outcome) {
	select {
	case <-s.cancelCh:
		return // cancel is terminal; late signals are discarded
	default:
	}
	s.keys.Set(key.String(), signal{outcome: outcome})
}

// Cancel unblocks every current and future Wait call with Cancelled.
// Idempotent: calling Cancel more than once is a no-op after the first.
func (s *Synchronizer) Cancel() {
	select {
	case <-s.cancelCh:
		// already cancelled
	default:
		close(s.cancelCh)
	}
}

// Cancelled reports whether Cancel has been called.
func (s *Synchronizer) Cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}
