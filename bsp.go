package smisync

// bspHandler is the coordinator side of one interrupt: gather, optional
// range-register swap, dispatch, drain, synchronous release, state reset.
// Exactly one processor runs it per interrupt.
func (c *Context) bspHandler(cpu uint32) {
	var apCount uint32
	var mtrrs MtrrSettings

	c.insideSmm.set(true)
	if c.cfg.smmDebug {
		c.platform.Hooks.DebugEntry(cpu)
	}

	c.cpus[cpu].present.set(true)
	if !c.platform.Hooks.ClearTopLevelSmiStatus() {
		panic(`smisync: top-level interrupt status failed to clear`)
	}
	c.currentlyExecutingCpu.Store(cpu)

	needMtrr := c.platform.Features.NeedConfigureMtrrs()
	if c.cfg.syncMode == SyncModeTraditional || needMtrr {
		c.waitForAPArrival(cpu)

		c.allCpusInSync.set(true)
		apCount = c.counter.Lockdown() - 1
		c.waitForAllAPs(apCount, cpu)

		if needMtrr {
			c.releaseAllAPs() // backup ready
			mtrrs = c.platform.Mtrr.Get(cpu)
			c.waitForAllAPs(apCount, cpu) // backups done
			c.releaseAllAPs()             // program ready
			c.replaceOSMtrrs(cpu)
			c.waitForAllAPs(apCount, cpu) // programming done
		}
	}

	// Held for the whole dispatch window; the drain below relies on every
	// follower's busy being the single source of truth for in-flight work.
	c.cpus[cpu].busy.Lock()

	c.platform.Hooks.PerformPreTasks()

	if entry := c.smmEntry.Load(); entry != nil {
		(*entry)(&SmmEntryContext{
			Context:               c,
			CurrentlyExecutingCpu: cpu,
			NumberOfCpus:          c.platform.Topology.NumberOfCpus(),
		})
	}

	c.waitForAllAPsNotBusy(true)

	c.platform.Hooks.PerformRemainingTasks()

	if c.cfg.syncMode == SyncModeRelaxed && !needMtrr {
		c.allCpusInSync.set(true)
		apCount = c.counter.Lockdown() - 1
		// Absorb arrivals that raced the lockdown: their check-in counted,
		// their present flag may still be in flight.
		for {
			presentCount := uint32(0)
			for i := range c.cpus {
				if c.cpus[i].present.get() {
					presentCount++
				}
			}
			if presentCount > apCount {
				break
			}
			cpuPause()
		}
	}

	c.insideSmm.set(false)
	c.releaseAllAPs()
	c.waitForAllAPs(apCount, cpu)

	if needMtrr {
		c.releaseAllAPs() // restore ready
		c.restoreOSMtrrs(cpu, mtrrs)
		c.waitForAllAPs(apCount, cpu) // restores done
	}

	if c.cfg.smmDebug {
		c.platform.Hooks.DebugExit(cpu)
	}

	// Let followers reset their per-processor state.
	c.releaseAllAPs()
	if c.cfg.hotPlug {
		c.platform.Hooks.SmmCpuUpdate()
	}

	c.cpus[cpu].present.set(false)
	c.cpus[cpu].busy.Unlock()

	// Gather followers for the synchronous exit. Many may already be
	// spinning on the exit barrier.
	c.waitForAllAPs(apCount, cpu)

	c.platform.Hooks.MigratePerfLogs()
	c.tokens.reset()
	if c.cfg.bspElection {
		c.bspIndex.Store(bspUnelected)
	}
	// Migration hints are single use.
	if c.switchBsp.Load() {
		for i := range c.candidateBsp {
			c.candidateBsp[i].Store(false)
		}
		c.switchBsp.Store(false)
	}
	// Allow check-ins from this point on.
	c.counter.store(0)
	c.allCpusInSync.set(false)
	c.allApArrivedWithException.Store(false)
}
