package smisync

import "fmt"

// isPackageFirstThread reports whether cpu is the first thread seen for its
// package. The package map is built lazily, coordinator-side only, so no
// locking: absence of an entry is the unassigned sentinel.
func (c *Context) isPackageFirstThread(cpu uint32) bool {
	if c.packageFirstThread == nil {
		c.packageFirstThread = make(map[uint32]uint32)
	}
	pkg := c.platform.Topology.ProcessorInfo(cpu).Package
	first, ok := c.packageFirstThread[pkg]
	if !ok {
		first = cpu
		c.packageFirstThread[pkg] = cpu
	}
	return first == cpu
}

// smmDelayedBlockedDisabledCount reads the platform's per-processor entry
// state, counted once per package (the registers are package scoped; the
// first thread speaks for its siblings).
func (c *Context) smmDelayedBlockedDisabledCount() (delayed, blocked, disabled uint32) {
	n := c.platform.Topology.NumberOfCpus()
	for i := uint32(0); i < n; i++ {
		if !c.isPackageFirstThread(i) {
			continue
		}
		if c.platform.Features.SmmRegister(i, SmmRegDelayed) != 0 {
			delayed++
		}
		if c.platform.Features.SmmRegister(i, SmmRegBlocked) != 0 {
			blocked++
		}
		if c.platform.Features.SmmRegister(i, SmmRegEnable) == 0 {
			disabled++
		}
	}
	return
}

// allCpusInSmmExceptBlockedDisabled is the arrival predicate: everyone is
// in, or everyone not exempted by a blocked or disabled state is in.
func (c *Context) allCpusInSmmExceptBlockedDisabled() bool {
	n := c.platform.Topology.NumberOfCpus()
	counter := c.counter.Load()
	if counter == n {
		return true
	}
	_, blocked, disabled := c.smmDelayedBlockedDisabledCount()
	return counter+blocked+disabled >= n
}

// waitForAPArrival gathers the remaining processors for the coordinator.
// Two rounds: wait out the sync timer, then send a directed interrupt to
// every absent processor and wait once more. The second round guarantees a
// processor emerging from a blocked or delayed state finds an interrupt
// pending instead of executing normal-mode code under the handler. If the
// predicate still fails, the gather proceeds without the missing
// processors, recording counts for diagnostics.
func (c *Context) waitForAPArrival(bsp uint32) {
	if counter := c.counter.Load(); counter != semaphoreLocked && counter > c.platform.Topology.NumberOfCpus() {
		panic(fmt.Sprintf(`smisync: check-in counter %d exceeds processor count`, counter))
	}

	// A pending local machine check outranks the gather: the handler must
	// not hold that processor's siblings hostage while it fires. The
	// registers are re-sampled every iteration so a machine check raised
	// mid-round still cuts the wait short.
	timer := c.platform.Timer.Start()
	for !c.platform.Timer.Timeout(timer) && !(c.isLmceOsEnabled(bsp) && c.isLmceSignaled(bsp)) {
		c.allApArrivedWithException.Store(c.allCpusInSmmExceptBlockedDisabled())
		if c.allApArrivedWithException.Load() {
			break
		}
		cpuPause()
	}

	if !c.allApArrivedWithException.Load() {
		if c.allowDiag(diagArrivalTimeout) {
			c.logger.Warning().
				Uint64(`counter`, uint64(c.counter.Load())).
				Log(`smisync: arrival round 1 timed out, pulling stragglers with directed interrupts`)
		}
		for i := range c.cpus {
			if c.cpus[i].present.get() {
				continue
			}
			if info := c.platform.Topology.ProcessorInfo(uint32(i)); info.ProcessorID != InvalidApicID {
				c.platform.Hooks.SendSmiIpi(info.ProcessorID)
			}
		}

		timer = c.platform.Timer.Start()
		for !c.platform.Timer.Timeout(timer) {
			c.allApArrivedWithException.Store(c.allCpusInSmmExceptBlockedDisabled())
			if c.allApArrivedWithException.Load() {
				break
			}
			cpuPause()
		}
	}

	if !c.allApArrivedWithException.Load() {
		delayed, blocked, _ := c.smmDelayedBlockedDisabledCount()
		c.arrivalDelayed.Store(delayed)
		c.arrivalBlocked.Store(blocked)
		if c.allowDiag(diagArrivalMiss) {
			c.logger.Warning().
				Uint64(`delayed`, uint64(delayed)).
				Uint64(`blocked`, uint64(blocked)).
				Uint64(`counter`, uint64(c.counter.Load())).
				Log(`smisync: proceeding without full arrival`)
		}
	}
}
