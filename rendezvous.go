package smisync

// SmiRendezvous is the per-processor entry point, called by the hardware
// vector with the calling processor's index on every interrupt. It decides
// the first-interrupt init path, checks in, settles the election, runs the
// coordinator or follower state machine, and holds the processor at the
// exit barrier until the coordinator clears it.
func (c *Context) SmiRendezvous(cpuIndex uint32) {
	if cpuIndex >= uint32(len(c.cpus)) {
		panic(`smisync: processor index out of range`)
	}

	// A fault taken inside the handler must not leak the fault address to
	// the interrupted context.
	cr2 := c.platform.Hooks.ReadCr2(cpuIndex)
	defer c.platform.Hooks.WriteCr2(cpuIndex, cr2)

	// First interrupt after image relocation performs one-time init only.
	if c.relocated.Load() && !c.smmInitialized[cpuIndex].Load() {
		c.platform.Hooks.SmmInitHandler(cpuIndex)
		c.smmInitialized[cpuIndex].Store(true)
		return
	}

	if s := c.startup.Load(); s != nil {
		_ = s.procedure(s.parameter)
	}

	c.platform.Features.RendezvousEntry(cpuIndex)
	defer c.platform.Features.RendezvousExit(cpuIndex)

	validSmi := c.platform.Hooks.ValidSmi()
	bspInProgress := c.insideSmm.get()

	if !bspInProgress && !validSmi {
		// Nothing pending and no run to join.
		return
	}

	if c.counter.Release() == 0 {
		// The coordinator already closed enrollment for this run; wait out
		// the exit barrier without touching any per-processor state.
		for c.allCpusInSync.get() {
			cpuPause()
		}
		return
	}

	// Our dispatch lock must start released, and must be settled before
	// the coordinator can observe our arrival.
	c.cpus[cpuIndex].busy.init()

	if bspInProgress {
		// A run is underway; join it whether or not our interrupt source
		// looked valid.
		c.apHandler(cpuIndex)
	} else {
		if c.cfg.bspElection {
			if !c.switchBsp.Load() || c.candidateBsp[cpuIndex].Load() {
				if isBsp, err := c.platform.Hooks.BspElection(cpuIndex); err == nil {
					if isBsp {
						c.bspIndex.Store(cpuIndex)
					}
				} else {
					// The platform has no preference; first to claim wins.
					c.bspIndex.CompareAndSwap(bspUnelected, cpuIndex)
				}
			}
		}
		if c.bspIndex.Load() == cpuIndex {
			c.bspHandler(cpuIndex)
		} else {
			c.apHandler(cpuIndex)
		}
	}

	// Wait for the coordinator's signal to leave.
	for c.allCpusInSync.get() {
		cpuPause()
	}
}
