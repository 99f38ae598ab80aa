package smisync

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// compile time assertions: every pool view is a single 32-bit word
var (
	_ [unsafe.Sizeof(atomic.Uint32{})]byte = [unsafe.Sizeof(Semaphore{})]byte{}
	_ [unsafe.Sizeof(atomic.Uint32{})]byte = [unsafe.Sizeof(SpinLock{})]byte{}
	_ [unsafe.Sizeof(atomic.Uint32{})]byte = [unsafe.Sizeof(flag32{})]byte{}
)

// Pool slot counts: the global region holds the check-in counter, the
// inside-SMM and all-in-sync flags, and two locks reserved for platform use
// (page fault, code access check). Each processor gets busy, run, present.
const (
	poolGlobalSlots = 5
	poolCPUSlots    = 3
)

// semaphoreStride returns the byte stride between pool slots: one slot per
// cache line so contending processors never false-share, never less than
// the slot payload itself.
func semaphoreStride() uintptr {
	stride := unsafe.Sizeof(cpu.CacheLinePad{})
	if stride < unsafe.Sizeof(uint32(0)) {
		stride = unsafe.Sizeof(uint32(0))
	}
	return stride
}

// semaphorePool is a single contiguous allocation carved into cache-line
// strided 32-bit slots, with typed views handed out in declaration order.
// It lives as long as the owning Context; slots are recycled across
// interrupts, never freed.
type semaphorePool struct {
	backing     []uint32
	strideWords int
	slots       int
	next        int
}

func newSemaphorePool(maxCPUs uint32) *semaphorePool {
	words := int(semaphoreStride() / unsafe.Sizeof(uint32(0)))
	slots := poolGlobalSlots + poolCPUSlots*int(maxCPUs)
	return &semaphorePool{
		backing:     make([]uint32, words*slots),
		strideWords: words,
		slots:       slots,
	}
}

// take hands out the next unassigned slot.
func (x *semaphorePool) take() unsafe.Pointer {
	if x.next >= x.slots {
		panic(`smisync: semaphore pool exhausted`)
	}
	p := unsafe.Pointer(&x.backing[x.next*x.strideWords])
	x.next++
	return p
}

// The casts below are sound: every view type is a single atomic.Uint32
// (size 4, align 4), and []uint32 backing guarantees 4-byte alignment.

func (x *semaphorePool) takeSemaphore() *Semaphore { return (*Semaphore)(x.take()) }

func (x *semaphorePool) takeLock() *SpinLock { return (*SpinLock)(x.take()) }

func (x *semaphorePool) takeFlag() *flag32 { return (*flag32)(x.take()) }
