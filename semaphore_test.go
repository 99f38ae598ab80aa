package smisync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_WaitDecrementsAndReturnsNewCount(t *testing.T) {
	var s Semaphore
	s.store(3)
	assert.Equal(t, uint32(2), s.Wait())
	assert.Equal(t, uint32(1), s.Wait())
	assert.Equal(t, uint32(0), s.Wait())
	assert.Equal(t, uint32(0), s.Load())
}

func TestSemaphore_WaitBlocksUntilRelease(t *testing.T) {
	var s Semaphore
	done := make(chan uint32, 1)
	go func() { done <- s.Wait() }()
	select {
	case v := <-done:
		t.Fatalf("Wait returned %d before any release", v)
	default:
	}
	require.Equal(t, uint32(1), s.Release())
	require.Equal(t, uint32(0), <-done)
}

func TestSemaphore_ReleaseOnLockedReturnsZeroWithoutChange(t *testing.T) {
	var s Semaphore
	s.store(7)
	assert.Equal(t, uint32(7), s.Lockdown())
	assert.Equal(t, uint32(semaphoreLocked), s.Load())
	// A check-in against closed enrollment must fail fast, not spin.
	assert.Equal(t, uint32(0), s.Release())
	assert.Equal(t, uint32(semaphoreLocked), s.Load())
}

func TestSemaphore_LockdownReturnsPreviousValue(t *testing.T) {
	var s Semaphore
	assert.Equal(t, uint32(0), s.Lockdown())
	s.store(4)
	assert.Equal(t, uint32(4), s.Lockdown())
	assert.Equal(t, uint32(0), s.Release())
}

func TestSemaphore_ConcurrentReleaseWait(t *testing.T) {
	const n = 64
	var s Semaphore
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.Release()
		}()
		go func() {
			defer wg.Done()
			s.Wait()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(0), s.Load())
}

func TestSpinLock_TryLockAndHeld(t *testing.T) {
	var l SpinLock
	require.False(t, l.IsHeld())
	require.True(t, l.TryLock())
	assert.True(t, l.IsHeld())
	assert.False(t, l.TryLock())
	l.Unlock()
	assert.False(t, l.IsHeld())
	require.True(t, l.TryLock())
	l.Unlock()
}

func TestSpinLock_LockBlocksUntilUnlock(t *testing.T) {
	var l SpinLock
	l.Lock()
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Lock succeeded while held")
	default:
	}
	l.Unlock()
	<-acquired
	l.Unlock()
}

func TestSpinLock_MutualExclusion(t *testing.T) {
	var l SpinLock
	var counter int // intentionally unsynchronized; the lock is the guard
	var wg sync.WaitGroup
	const workers, iterations = 8, 200
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*iterations, counter)
}
