package smisync

import "fmt"

// validateDispatchTarget applies the target checks shared by the directed
// scheduling paths.
func (c *Context) validateDispatchTarget(cpu uint32) error {
	if cpu >= uint32(len(c.cpus)) {
		return fmt.Errorf(`smisync: processor %d out of range: %w`, cpu, ErrInvalidParameter)
	}
	if cpu == c.currentlyExecutingCpu.Load() {
		return fmt.Errorf(`smisync: processor %d is the coordinator: %w`, cpu, ErrInvalidParameter)
	}
	if c.platform.Topology.ProcessorInfo(cpu).ProcessorID == InvalidApicID {
		return fmt.Errorf(`smisync: processor %d has no valid APIC id: %w`, cpu, ErrInvalidParameter)
	}
	if !c.cpus[cpu].present.get() {
		return fmt.Errorf(`smisync: processor %d not present: %w`, cpu, ErrInvalidParameter)
	}
	if c.cfg.hotPlug && c.platform.Topology.MarkedForRemoval(cpu) {
		return fmt.Errorf(`smisync: processor %d marked for removal: %w`, cpu, ErrInvalidParameter)
	}
	return nil
}

// StartupThisAp schedules procedure on a single present follower.
//
// A nil token makes the call blocking: it returns once the procedure
// completed (busy-waiting on the target's dispatch lock). A non-nil token
// makes it non-blocking: a single-target procedure token is allocated, its
// completion lock stored through token, and IsApReady polls it.
//
// The target's dispatch lock serializes: scheduling onto a follower with a
// dispatch already in flight blocks until the prior dispatch drains.
//
// status, when non-nil, receives the procedure's result (written by the
// target; read it only after completion).
func (c *Context) StartupThisAp(procedure Procedure, cpu uint32, parameter any, token **SpinLock, timeoutMicroseconds uint64, status *error) error {
	if err := c.validateDispatchTarget(cpu); err != nil {
		c.logSchedulingErr(`startup-this-ap`, cpu, err)
		return err
	}
	if procedure == nil {
		err := fmt.Errorf(`smisync: nil procedure: %w`, ErrInvalidParameter)
		c.logSchedulingErr(`startup-this-ap`, cpu, err)
		return err
	}
	if timeoutMicroseconds != 0 && !c.cfg.timeoutSupport {
		err := fmt.Errorf(`smisync: timeout not supported: %w`, ErrInvalidParameter)
		c.logSchedulingErr(`startup-this-ap`, cpu, err)
		return err
	}

	d := &c.cpus[cpu]
	d.busy.Lock()

	d.procedure = procedure
	d.parameter = parameter
	d.status = status
	if token != nil {
		t := c.tokens.getFreeToken(1)
		d.token = t
		*token = &t.lock
	}

	d.run.Release()

	if token == nil {
		// Blocking: the target releases busy when done.
		d.busy.Lock()
		d.busy.Unlock()
	}
	return nil
}

// SmmStartupThisAp schedules procedure on cpu. Blocking when configured via
// WithBlockingStartupThisAp; otherwise fire-and-forget (the completion slot
// is a shared throwaway).
func (c *Context) SmmStartupThisAp(procedure Procedure, cpu uint32, parameter any) error {
	if c.cfg.blockStartupThisAp {
		return c.StartupThisAp(procedure, cpu, parameter, nil, 0, nil)
	}
	return c.StartupThisAp(procedure, cpu, parameter, &c.startupThisApToken, 0, nil)
}

// SmmBlockingStartupThisAp schedules procedure on cpu and waits for it to
// complete, regardless of configuration.
func (c *Context) SmmBlockingStartupThisAp(procedure Procedure, cpu uint32, parameter any) error {
	return c.StartupThisAp(procedure, cpu, parameter, nil, 0, nil)
}

// InternalSmmStartupAllAPs schedules procedure on every present follower.
//
// Every follower must be idle or the call fails with ErrNotReady; with no
// follower present it fails with ErrNotStarted. statuses, when non-nil,
// must cover the full processor index space: present followers write their
// procedure result to their slot, every other slot is set to ErrNotStarted.
//
// A nil token blocks until every follower completed. A non-nil token gets
// the broadcast's completion lock; the token is primed for the full index
// space and pre-completed for absent slots, so it releases exactly when
// the last present follower finishes.
func (c *Context) InternalSmmStartupAllAPs(procedure Procedure, timeoutMicroseconds uint64, parameter any, token **SpinLock, statuses []error) error {
	if procedure == nil {
		return fmt.Errorf(`smisync: nil procedure: %w`, ErrInvalidParameter)
	}
	if timeoutMicroseconds != 0 && !c.cfg.timeoutSupport {
		return fmt.Errorf(`smisync: timeout not supported: %w`, ErrInvalidParameter)
	}
	if statuses != nil && len(statuses) < len(c.cpus) {
		return fmt.Errorf(`smisync: status array covers %d of %d slots: %w`, len(statuses), len(c.cpus), ErrInvalidParameter)
	}

	cpuCount := 0
	for i := range c.cpus {
		if !c.isPresentAP(uint32(i)) {
			continue
		}
		cpuCount++
		if c.cfg.hotPlug && c.platform.Topology.MarkedForRemoval(uint32(i)) {
			return fmt.Errorf(`smisync: processor %d marked for removal: %w`, i, ErrInvalidParameter)
		}
		// Probe only: a follower mid-dispatch fails the whole broadcast.
		if !c.cpus[i].busy.TryLock() {
			return fmt.Errorf(`smisync: processor %d busy: %w`, i, ErrNotReady)
		}
		c.cpus[i].busy.Unlock()
	}
	if cpuCount == 0 {
		return fmt.Errorf(`smisync: no followers present: %w`, ErrNotStarted)
	}

	var procToken *procedureToken
	if token != nil {
		procToken = c.tokens.getFreeToken(uint32(len(c.cpus)))
		*token = &procToken.lock
	}

	for i := range c.cpus {
		if c.isPresentAP(uint32(i)) {
			c.cpus[i].busy.Lock()
		}
	}

	for i := range c.cpus {
		d := &c.cpus[i]
		if c.isPresentAP(uint32(i)) {
			d.procedure = procedure
			d.parameter = parameter
			d.token = procToken
			if statuses != nil {
				d.status = &statuses[i]
			} else {
				d.status = nil
			}
		} else {
			// Absent slots (and the coordinator's own) never complete:
			// pre-fill their status and retire their share of the token.
			if statuses != nil {
				statuses[i] = ErrNotStarted
			}
			if procToken != nil {
				procToken.runningAPCount.Wait()
			}
		}
	}

	c.releaseAllAPs()

	if token == nil {
		c.waitForAllAPsNotBusy(true)
	}
	return nil
}

// IsApReady reports completion of the dispatch gated by lock: nil once the
// lock is free (it is probed and immediately released), ErrNotReady while
// the dispatch is outstanding.
func (c *Context) IsApReady(lock *SpinLock) error {
	if lock == nil {
		return fmt.Errorf(`smisync: nil completion lock: %w`, ErrInvalidParameter)
	}
	if lock.TryLock() {
		lock.Unlock()
		return nil
	}
	return ErrNotReady
}
