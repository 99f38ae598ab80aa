package smisync

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

type (
	// procedureToken gates one outstanding non-blocking dispatch. The lock
	// is held from allocation until the last target processor completes;
	// runningAPCount tracks the remaining targets. Tokens are padded to a
	// cache line so completion traffic on one dispatch does not slow
	// another.
	procedureToken struct {
		lock           SpinLock
		runningAPCount Semaphore
		_              cpu.CacheLinePad
	}

	// tokenList is a chunked arena of procedure tokens. firstFree is an
	// index into the virtual concatenation of chunks: tokens below it are
	// in use, tokens at or above it are free. Chunks are only ever
	// appended, so token addresses are stable for the life of the Context.
	//
	// Mutation (allocation, reset) is exclusively the coordinator's, inside
	// its own handler; application processors only touch the count/lock of
	// their bound token via Context.releaseToken.
	tokenList struct {
		chunks    [][]procedureToken
		chunkSize int
		firstFree int
	}
)

func newTokenList(perChunk uint32) *tokenList {
	if perChunk == 0 {
		panic(`smisync: token chunk size must be nonzero`)
	}
	x := &tokenList{chunkSize: int(perChunk)}
	x.grow()
	return x
}

func (x *tokenList) grow() {
	x.chunks = append(x.chunks, make([]procedureToken, x.chunkSize))
}

func (x *tokenList) at(i int) *procedureToken {
	return &x.chunks[i/x.chunkSize][i%x.chunkSize]
}

// getFreeToken takes the first free token, growing the list if the free
// region is empty. The token comes back with its lock held and its running
// count primed to runningAPs.
func (x *tokenList) getFreeToken(runningAPs uint32) *procedureToken {
	if x.firstFree == len(x.chunks)*x.chunkSize {
		x.grow()
	}
	t := x.at(x.firstFree)
	x.firstFree++
	t.runningAPCount.store(runningAPs)
	t.lock.Lock()
	return t
}

// isTokenInUse reports whether lock belongs to a token in the used region.
// It may race firstFree advancement on the coordinator, but only reads, and
// tokens never move.
func (x *tokenList) isTokenInUse(lock *SpinLock) bool {
	for i := 0; i < x.firstFree; i++ {
		if &x.at(i).lock == lock {
			return true
		}
	}
	return false
}

// reset rewinds firstFree, returning every token to the free region. The
// underlying locks are not reinitialized: the caller guarantees every
// in-flight procedure completed, which is asserted here since a token
// carried across interrupts with a nonzero count would poison the next run.
func (x *tokenList) reset() {
	for i := 0; i < x.firstFree; i++ {
		if n := x.at(i).runningAPCount.Load(); n != 0 {
			panic(fmt.Sprintf(`smisync: token %d still has %d running processors at reset`, i, n))
		}
	}
	x.firstFree = 0
}
