package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/distbuild/src/rulekey"
)

func sampleKey(b byte) rulekey.Key {
	var k rulekey.Key
	k[0] = b
	return k
}

func TestWaitReturnsImmediatelyIfAlreadySignalled(t *testing.T) {
	s := New()
	key := sampleKey(1)
	s.SignalAvailable(key)

	outcome, err := s.Wait(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Available, outcome)
}

func TestWaitBlocksUntilSignalled(t *testing.T) {
	s := New()
	key := sampleKey(2)

	done := make(chan Outcome, 1)
	go func() {
		o, _ := s.Wait(context.Background(), key)
		done <- o
	}()

	time.Sleep(10 * time.Millisecond)
	s.SignalNotBuilt(key)

	select {
	case o := <-done:
		assert.Equal(t, NotBuilt, o)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestSignalIsMonotonic(t *testing.T) {
	s := New()
	key := sampleKey(3)

	s.SignalAvailable(key)
	s.SignalNotBuilt(key) // should be discarded; Available already won

	outcome, err := s.Wait(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Available, outcome)
}

func TestCancelWakesAllWaiters(t *testing.T) {
	s := New()
	keys := []rulekey.Key{sampleKey(4), sampleKey(5), sampleKey(6)}

	var wg sync.WaitGroup
	results := make([]Outcome, len(keys))
	errs := make([]error, len(keys))
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k rulekey.Key) {
			defer wg.Done()
			results[i], errs[i] = s.Wait(context.Background(), k)
		}(i, k)
	}

	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	wg.Wait()

	for i := range keys {
		assert.Equal(t, Cancelled, results[i])
		assert.Equal(t, ErrCancelled, errs[i])
	}
}

func TestSignalAfterCancelIsNoOp(t *testing.T) {
	s := New()
	key := sampleKey(7)
	s.Cancel()
	s.SignalAvailable(key)

	outcome, err := s.Wait(context.Background(), key)
	assert.Equal(t, Cancelled, outcome)
	assert.Equal(t, ErrCancelled, err)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	outcome, err := s.Wait(ctx, sampleKey(8))
	assert.Equal(t, Cancelled, outcome)
	assert.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New()
	assert.False(t, s.Cancelled())
	s.Cancel()
	s.Cancel()
	assert.True(t, s.Cancelled())
}
