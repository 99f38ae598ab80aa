package smisync

// apHandler is the follower side of one interrupt: meet the coordinator
// (tolerating its absence), serve dispatched work until released, then walk
// the exit handshake.
func (c *Context) apHandler(cpu uint32) {
	d := &c.cpus[cpu]

	// First contact: the coordinator may be wedged, or this interrupt may
	// have reached only us. Wait one round, nudge the coordinator with a
	// directed interrupt if one is known, wait once more, then give the
	// check-in back and leave quietly.
	if !c.insideSmm.get() {
		timer := c.platform.Timer.Start()
		for !c.platform.Timer.Timeout(timer) && !c.insideSmm.get() {
			cpuPause()
		}
		if !c.insideSmm.get() {
			if bsp := c.bspIndex.Load(); bsp != bspUnelected {
				if info := c.platform.Topology.ProcessorInfo(bsp); info.ProcessorID != InvalidApicID {
					c.platform.Hooks.SendSmiIpi(info.ProcessorID)
				}
				timer = c.platform.Timer.Start()
				for !c.platform.Timer.Timeout(timer) && !c.insideSmm.get() {
					cpuPause()
				}
			}
			if !c.insideSmm.get() {
				c.counter.Wait()
				return
			}
		}
	}

	bsp := c.bspIndex.Load()
	needMtrr := c.platform.Features.NeedConfigureMtrrs()

	d.present.set(true)

	if c.cfg.syncMode == SyncModeTraditional || needMtrr {
		// Notify the coordinator of arrival.
		c.cpus[bsp].run.Release()
	}

	var mtrrs MtrrSettings
	if needMtrr {
		d.run.Wait() // backup ready
		mtrrs = c.platform.Mtrr.Get(cpu)
		c.cpus[bsp].run.Release() // backup done
		d.run.Wait()              // program ready
		c.replaceOSMtrrs(cpu)
		c.cpus[bsp].run.Release() // programming done
	}

	if c.cfg.profile {
		c.platform.Hooks.ActivateProfile(cpu)
	}

	for {
		d.run.Wait()
		if !c.insideSmm.get() {
			break
		}
		// The scheduler holds our busy for the whole dispatch.
		if !d.busy.IsHeld() {
			panic(`smisync: dispatch signal without busy held`)
		}
		err := d.procedure(d.parameter)
		if d.status != nil {
			*d.status = err
		}
		if d.token != nil {
			c.releaseToken(cpu)
		}
		d.busy.Unlock()
	}

	if needMtrr {
		c.cpus[bsp].run.Release() // ready to restore
		d.run.Wait()              // restore ready
		c.restoreOSMtrrs(cpu, mtrrs)
	}

	c.cpus[bsp].run.Release() // ready to reset
	d.run.Wait()              // reset ready
	d.present.set(false)
	c.cpus[bsp].run.Release() // ready to exit
}
