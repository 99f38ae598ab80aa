package smisync

import (
	"runtime"
	"sync/atomic"
)

// semaphoreLocked is the lockdown sentinel. A Semaphore holding this value
// rejects further releases, which is how the coordinator closes enrollment
// for the current interrupt.
const semaphoreLocked = ^uint32(0)

// cpuPause is the retry hint issued by every spin loop in this package.
//
// On hardware this would be a PAUSE instruction. Here each logical processor
// is a goroutine, and the scheduler must be given the chance to run the
// goroutine being waited on, or spins deadlock whenever the simulated
// processors outnumber OS threads.
func cpuPause() { runtime.Gosched() }

// Semaphore is a 32-bit counting semaphore driven by compare-and-swap retry
// loops. All operations are sequentially consistent. The value
// 0xFFFFFFFF is reserved as the lockdown sentinel and is never produced by
// Release.
//
// The zero value is an empty (zero-count) semaphore.
type Semaphore struct{ n atomic.Uint32 }

// Wait blocks until the count is nonzero, then decrements it, returning the
// new count. Note that it will also decrement a locked-down semaphore, as
// the sentinel is indistinguishable from a very large count on this path;
// callers sequence their waits so that cannot occur.
func (x *Semaphore) Wait() uint32 {
	for {
		value := x.n.Load()
		if value != 0 && x.n.CompareAndSwap(value, value-1) {
			return value - 1
		}
		cpuPause()
	}
}

// Release increments the count, returning the new value. If the semaphore
// is locked down the count is left unmodified and Release returns 0, which
// callers use to detect that enrollment has closed.
func (x *Semaphore) Release() uint32 {
	for {
		value := x.n.Load()
		if value+1 == 0 {
			return 0
		}
		if x.n.CompareAndSwap(value, value+1) {
			return value + 1
		}
	}
}

// Lockdown unconditionally swaps the count to the lockdown sentinel,
// returning the previous value.
func (x *Semaphore) Lockdown() uint32 {
	for {
		value := x.n.Load()
		if x.n.CompareAndSwap(value, semaphoreLocked) {
			return value
		}
	}
}

// Load returns the current count (possibly the lockdown sentinel).
func (x *Semaphore) Load() uint32 { return x.n.Load() }

func (x *Semaphore) store(v uint32) { x.n.Store(v) }

// flag32 is a boolean stored in a pool slot. Distinct from Semaphore only
// to keep intent obvious at use sites.
type flag32 struct{ v atomic.Uint32 }

func (x *flag32) get() bool { return x.v.Load() != 0 }

func (x *flag32) set(b bool) {
	if b {
		x.v.Store(1)
	} else {
		x.v.Store(0)
	}
}
