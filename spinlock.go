package smisync

import "sync/atomic"

const (
	spinUnlocked uint32 = iota
	spinLocked
)

// SpinLock is a test-and-set lock over a single 32-bit word. It never
// suspends: contention burns the pause hint until the holder releases.
// Locks backing dispatch state live in the semaphore pool, one cache line
// apart, so contended spins do not false-share.
//
// The zero value is an unlocked lock.
type SpinLock struct{ state atomic.Uint32 }

// Lock acquires the lock, spinning until it succeeds.
func (x *SpinLock) Lock() {
	for !x.state.CompareAndSwap(spinUnlocked, spinLocked) {
		cpuPause()
	}
}

// TryLock attempts to acquire the lock without blocking, reporting success.
func (x *SpinLock) TryLock() bool {
	return x.state.CompareAndSwap(spinUnlocked, spinLocked)
}

// Unlock releases the lock. It is legal for a different processor than the
// acquirer to release: the busy handshake acquires on the coordinator and
// releases on the target.
func (x *SpinLock) Unlock() { x.state.Store(spinUnlocked) }

// IsHeld reports whether the lock is currently held, without acquiring it.
func (x *SpinLock) IsHeld() bool { return x.state.Load() == spinLocked }

// init forces the lock to the released state regardless of prior contents,
// e.g. pool memory that was never initialized.
func (x *SpinLock) init() { x.state.Store(spinUnlocked) }
