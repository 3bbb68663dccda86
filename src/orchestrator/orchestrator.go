// Package orchestrator drives a hybrid local+remote build: it submits a
// jobstate.State to the remote coordinator while a local build runs
// concurrently, letting the local side block on individual rule keys
// through a RemoteSynchronizer until the remote produces them (or
// doesn't, in which case the local build does the work itself). It is
// grounded on please's own src/plz/plz.go Run: spawn worker goroutines,
// join them with a sync.WaitGroup, and report a single final outcome
// once everyone's exited.
package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/distbuild/src/exitcode"
	"github.com/thought-machine/distbuild/src/jobstate"
	"github.com/thought-machine/distbuild/src/remotebuild"
	"github.com/thought-machine/distbuild/src/stats"
	remotesync "github.com/thought-machine/distbuild/src/sync"
)

var log = logging.MustGetLogger("orchestrator")

// Phase names the orchestrator's state machine as it progresses through
// a hybrid build.
type Phase int

const (
	Preparing Phase = iota
	RunningBoth
	RemoteOk
	RemoteFail
	Finalizing
	Done
)

func (p Phase) String() string {
	switch p {
	case Preparing:
		return "PREPARING"
	case RunningBoth:
		return "RUNNING_BOTH"
	case RemoteOk:
		return "REMOTE_OK"
	case RemoteFail:
		return "REMOTE_FAIL"
	case Finalizing:
		return "FINALIZING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// LocalBuild is the interface the orchestrator uses to run the local
// side of the build; the real implementation plugs in please's own
// build-step executor, blocking on rule keys through sync as directed.
type LocalBuild interface {
	// Run performs the local build, blocking on sync for any rule key the
	// remote build might satisfy first. It returns nil on success.
	Run(ctx context.Context, sync *remotesync.Synchronizer) error

	// Initialized closes once the local build's handle has been
	// constructed, i.e. once a subsequent call to Terminate is guaranteed
	// to have an effect on the running build rather than being a no-op
	// issued too early.
	Initialized() <-chan struct{}

	// Terminate asks the local build to stop as soon as its
	// currently-running rules finish, attributing the stop to cause. Safe
	// to call more than once.
	Terminate(cause error)
}

// RemoteExecutor is the interface the orchestrator uses to run the remote
// side of the build; *remotebuild.Controller satisfies it. Kept as an
// interface (rather than depending on the concrete type directly) so
// tests can substitute a fake instead of dialing a real coordinator.
type RemoteExecutor interface {
	Execute(ctx context.Context, state *jobstate.State, sync *remotesync.Synchronizer) (*remotebuild.Outcome, error)
}

// Result is the outcome of a completed hybrid build.
type Result struct {
	ExitCode     exitcode.Code
	FellBack     bool
	RemoteResult *remotebuild.Outcome
	LocalErr     error
	RemoteErr    error
}

// Orchestrator runs one hybrid build attempt end to end.
type Orchestrator struct {
	remote   RemoteExecutor
	local    LocalBuild
	sync     *remotesync.Synchronizer
	stats    *stats.ClientStats
	phase    Phase
	fallback bool
}

// New builds an Orchestrator. remote may be nil, meaning --distributed
// was not requested and the build should run purely locally. fallback
// governs what happens when remote fails while local is still running: if
// true, local is left to run to completion and its result decides the
// outcome; if false, local is terminated as soon as its current rules
// finish and the remote's failure becomes the final outcome.
func New(remote RemoteExecutor, local LocalBuild, clientStats *stats.ClientStats, fallback bool) *Orchestrator {
	return &Orchestrator{
		remote:   remote,
		local:    local,
		sync:     remotesync.New(),
		stats:    clientStats,
		phase:    Preparing,
		fallback: fallback,
	}
}

// Phase returns the orchestrator's current state-machine phase, mostly
// useful for tests and diagnostics.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Run executes the hybrid build: if remote is configured, it starts both
// the remote submission and the local build concurrently (RunningBoth)
// and joins them; otherwise it runs purely locally. Cancelling ctx
// cancels the synchronizer, which unblocks anything the local build has
// parked on a rule key.
func (o *Orchestrator) Run(ctx context.Context, state *jobstate.State) *Result {
	stop := context.AfterFunc(ctx, o.sync.Cancel)
	defer stop()
	if o.remote == nil {
		o.phase = RunningBoth
		o.stats.MarkPhase(stats.PerformLocalBuild)
		err := o.local.Run(ctx, o.sync)
		o.phase = Done
		return o.finalize(nil, err, nil, false)
	}

	o.phase = RunningBoth
	group, groupCtx := errgroup.WithContext(ctx)

	var remoteResult *remotebuild.Outcome
	var remoteErr error
	group.Go(func() error {
		remoteResult, remoteErr = o.remote.Execute(groupCtx, state, o.sync)
		if remoteErr == nil && remoteResult != nil && remoteResult.ExitCode != 0 {
			remoteErr = fmt.Errorf("remote build finished with exit code %d", remoteResult.ExitCode)
		}
		if remoteErr != nil {
			log.Warning("remote build failed: %s", remoteErr)
			o.phase = RemoteFail
			if !o.fallback {
				// Fallback is disabled: the remote's failure is already
				// authoritative, so cut the local build short instead of
				// letting it run to completion for nothing. Wait for the
				// initialized latch first so Terminate always lands on a
				// live build handle rather than racing its construction.
				select {
				case <-o.local.Initialized():
					o.local.Terminate(remoteErr)
				case <-groupCtx.Done():
				}
			}
		} else {
			o.phase = RemoteOk
		}
		// The remote task's own error is reported back via remoteErr, not
		// propagated through the errgroup: a remote failure must not cancel
		// the still-useful local build, only the fallback decision cares
		// about it.
		return nil
	})

	var localErr error
	group.Go(func() error {
		o.stats.MarkPhase(stats.PerformLocalBuild)
		localErr = o.local.Run(groupCtx, o.sync)
		return localErr
	})

	_ = group.Wait() // local's error, if any, is already captured in localErr
	o.sync.Cancel()  // release anything still parked once both sides are done

	o.phase = Finalizing
	result := o.finalize(remoteResult, localErr, remoteErr, remoteErr != nil && o.fallback)
	o.phase = Done
	return result
}

func (o *Orchestrator) finalize(remoteResult *remotebuild.Outcome, localErr, remoteErr error, fellBack bool) *Result {
	o.stats.MarkPhase(stats.PostBuildAnalysis)

	local := exitcode.LocalSucceeded
	if o.remote == nil || localErr != nil {
		if localErr != nil {
			local = exitcode.LocalFailed
		}
	}
	remote := exitcode.RemoteNotRun
	if o.remote != nil {
		if remoteErr != nil {
			remote = exitcode.RemoteFailed
		} else {
			remote = exitcode.RemoteSucceeded
		}
	}

	code := exitcode.Final(local, remote, o.fallback)
	localCode, remoteCode := exitcode.Success, exitcode.Success
	if local == exitcode.LocalFailed {
		localCode = exitcode.BuildError
	}
	if remote == exitcode.RemoteFailed {
		remoteCode = exitcode.RemoteStepFailed
	}
	o.stats.SetExitCodes(int(localCode), int(remoteCode))
	o.stats.SetFallback(fellBack)
	if localErr != nil {
		o.stats.SetError(localErr.Error())
	} else if remoteErr != nil && fellBack {
		o.stats.SetError(fmt.Sprintf("remote build failed, fell back to local: %s", remoteErr))
	}

	return &Result{
		ExitCode:     code,
		FellBack:     fellBack,
		RemoteResult: remoteResult,
		LocalErr:     localErr,
		RemoteErr:    remoteErr,
	}
}
