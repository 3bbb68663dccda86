package exitcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFinalLocalSuccessWinsWhenFallbackAllowed(t *testing.T) {
	assert.Equal(t, Success, Final(LocalSucceeded, RemoteFailed, true))
	assert.Equal(t, Success, Final(LocalSucceeded, RemoteNotRun, true))
}

func TestFinalLocalFailureIsAlwaysFatal(t *testing.T) {
	assert.Equal(t, BuildError, Final(LocalFailed, RemoteSucceeded, true))
	assert.Equal(t, BuildError, Final(LocalFailed, RemoteNotRun, true))
}

func TestFinalRemoteOnlyBuildFollowsRemoteOutcome(t *testing.T) {
	assert.Equal(t, Success, Final(LocalNotRun, RemoteSucceeded, true))
	assert.Equal(t, RemoteStepFailed, Final(LocalNotRun, RemoteFailed, true))
}

// TestFinalRemoteFailureWinsWhenFallbackDisabled covers scenario 3: remote
// fails, fallback is disabled, so the remote's failure is authoritative
// regardless of what local ended up doing (it was terminated early and
// never gets a chance to run to its own success).
func TestFinalRemoteFailureWinsWhenFallbackDisabled(t *testing.T) {
	assert.Equal(t, RemoteStepFailed, Final(LocalSucceeded, RemoteFailed, false))
	assert.Equal(t, RemoteStepFailed, Final(LocalFailed, RemoteFailed, false))
	assert.Equal(t, RemoteStepFailed, Final(LocalNotRun, RemoteFailed, false))
}
