package smisync

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// bspUnelected is the coordinator-index sentinel between elections.
const bspUnelected = ^uint32(0)

type (
	// Procedure is a work item dispatched to an application processor.
	Procedure func(arg any) error

	// SmmEntry is the dispatcher callback, invoked exactly once per
	// interrupt, on the coordinator, after gathering and before the
	// dispatch drain.
	SmmEntry func(entry *SmmEntryContext)

	// SmmEntryContext is handed to the registered dispatcher. Scheduling
	// calls go through Context.
	SmmEntryContext struct {
		Context *Context
		// CurrentlyExecutingCpu is the coordinator's processor index.
		CurrentlyExecutingCpu uint32
		// NumberOfCpus is the installed processor count.
		NumberOfCpus uint32
	}

	// cpuData is the per-processor block. busy, run and present live in
	// the semaphore pool, a cache line apart. The work-item fields are
	// written by the coordinator only while it holds busy, and read by the
	// owning processor after its run semaphore signals; the semaphore
	// ordering makes the plain fields safe.
	cpuData struct {
		busy    *SpinLock
		run     *Semaphore
		present *flag32

		procedure Procedure
		parameter any
		status    *error
		token     *procedureToken
	}

	// registeredStartup is the optional per-interrupt pre-hook.
	registeredStartup struct {
		procedure Procedure
		parameter any
	}

	// ArrivalStats is a diagnostic snapshot recorded when the arrival
	// protocol gives up waiting for the remaining processors.
	ArrivalStats struct {
		// Delayed is the per-package count of delayed processors at the
		// last incomplete gather.
		Delayed uint32
		// Blocked is the corresponding blocked count.
		Blocked uint32
	}

	// Context is the process-wide rendezvous state. Create one per machine
	// (or per simulated machine, in tests) with New; it lives for the
	// handler's lifetime and is stateless between interrupts apart from
	// its allocator pools.
	Context struct {
		platform Platform
		cfg      *contextOptions
		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter

		pool   *semaphorePool
		tokens *tokenList

		// Global rendezvous state, pool backed.
		counter       *Semaphore
		insideSmm     *flag32
		allCpusInSync *flag32
		// Reserved for the platform's page-fault and code-access-check
		// serialization; exposed so external fault handlers share the
		// pool's cache-line discipline.
		pfLock              *SpinLock
		codeAccessCheckLock *SpinLock

		cpus []cpuData

		bspIndex                  atomic.Uint32
		allApArrivedWithException atomic.Bool
		currentlyExecutingCpu     atomic.Uint32

		switchBsp    atomic.Bool
		candidateBsp []atomic.Bool

		startup  atomic.Pointer[registeredStartup]
		smmEntry atomic.Pointer[SmmEntry]

		relocated      atomic.Bool
		smmInitialized []atomic.Bool

		smiMtrrs MtrrSettings

		packageFirstThread map[uint32]uint32 // lazily built; coordinator only

		arrivalDelayed atomic.Uint32
		arrivalBlocked atomic.Uint32

		// Throwaway completion slot for fire-and-forget dispatches.
		startupThisApToken *SpinLock
	}
)

// New allocates the rendezvous state for the given platform. Topology and
// Hooks are required; Features and Timer get benign defaults; Mtrr is
// required when Features.NeedConfigureMtrrs reports true (the current
// ranges of processor 0 are captured as the handler's ranges).
func New(platform Platform, opts ...Option) (*Context, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	if platform.Topology == nil {
		return nil, fmt.Errorf(`smisync: nil topology: %w`, ErrInvalidParameter)
	}
	if platform.Hooks == nil {
		return nil, fmt.Errorf(`smisync: nil hooks: %w`, ErrInvalidParameter)
	}
	if platform.Features == nil {
		platform.Features = UnimplementedCpuFeatures{}
	}
	if platform.Timer == nil {
		platform.Timer = newDurationTimer(cfg.syncTimeout)
	}

	numberOfCpus := platform.Topology.NumberOfCpus()
	maxNumberOfCpus := platform.Topology.MaxNumberOfCpus()
	if numberOfCpus == 0 || maxNumberOfCpus < numberOfCpus {
		return nil, fmt.Errorf(`smisync: bad processor counts %d/%d: %w`, numberOfCpus, maxNumberOfCpus, ErrInvalidParameter)
	}
	if !cfg.bspElection && cfg.fixedBsp >= maxNumberOfCpus {
		return nil, fmt.Errorf(`smisync: fixed coordinator %d out of range: %w`, cfg.fixedBsp, ErrInvalidParameter)
	}
	if platform.Features.NeedConfigureMtrrs() && platform.Mtrr == nil {
		return nil, fmt.Errorf(`smisync: range reprogramming requires Mtrr: %w`, ErrInvalidParameter)
	}

	c := &Context{
		platform: platform,
		cfg:      cfg,
		logger:   cfg.logger,
		pool:     newSemaphorePool(maxNumberOfCpus),
		tokens:   newTokenList(cfg.tokenCountPerChunk),
	}
	if c.logger != nil {
		c.limiter = newDiagLimiter()
	}

	c.counter = c.pool.takeSemaphore()
	c.insideSmm = c.pool.takeFlag()
	c.allCpusInSync = c.pool.takeFlag()
	c.pfLock = c.pool.takeLock()
	c.codeAccessCheckLock = c.pool.takeLock()

	c.cpus = make([]cpuData, maxNumberOfCpus)
	for i := range c.cpus {
		c.cpus[i].busy = c.pool.takeLock()
		c.cpus[i].run = c.pool.takeSemaphore()
		c.cpus[i].present = c.pool.takeFlag()
	}

	c.candidateBsp = make([]atomic.Bool, maxNumberOfCpus)
	c.smmInitialized = make([]atomic.Bool, maxNumberOfCpus)

	if cfg.bspElection {
		c.bspIndex.Store(bspUnelected)
	} else {
		c.bspIndex.Store(cfg.fixedBsp)
	}
	c.currentlyExecutingCpu.Store(bspUnelected)
	c.relocated.Store(cfg.relocated)

	if platform.Features.NeedConfigureMtrrs() {
		c.smiMtrrs = platform.Mtrr.Get(0)
	}

	c.startupThisApToken = new(SpinLock)

	return c, nil
}

// RegisterSmmEntry stores the dispatcher callback. The last registration
// wins; a nil entry deregisters.
func (c *Context) RegisterSmmEntry(entry SmmEntry) error {
	if entry == nil {
		c.smmEntry.Store(nil)
		return nil
	}
	c.smmEntry.Store(&entry)
	return nil
}

// RegisterStartupProcedure stores the optional pre-hook run by every
// processor at entry, before election. A nil procedure deregisters, in
// which case the argument must also be nil.
func (c *Context) RegisterStartupProcedure(procedure Procedure, parameter any) error {
	if procedure == nil && parameter != nil {
		return fmt.Errorf(`smisync: nil procedure with non-nil parameter: %w`, ErrInvalidParameter)
	}
	if c == nil || c.cpus == nil {
		return fmt.Errorf(`smisync: rendezvous state not initialized: %w`, ErrNotReady)
	}
	if procedure == nil {
		c.startup.Store(nil)
		return nil
	}
	c.startup.Store(&registeredStartup{procedure: procedure, parameter: parameter})
	return nil
}

// RequestBspSwitch asks for the coordinator role to migrate on a later
// interrupt: only the named candidates participate in the next election.
// Fails with ErrUnsupported when election is disabled.
func (c *Context) RequestBspSwitch(candidates ...uint32) error {
	if !c.cfg.bspElection {
		return fmt.Errorf(`smisync: election disabled: %w`, ErrUnsupported)
	}
	for _, cpu := range candidates {
		if cpu >= uint32(len(c.cpus)) {
			return fmt.Errorf(`smisync: candidate %d out of range: %w`, cpu, ErrInvalidParameter)
		}
	}
	for _, cpu := range candidates {
		c.candidateBsp[cpu].Store(true)
	}
	c.switchBsp.Store(true)
	return nil
}

// MarkRelocated flips the relocated-image flag at runtime, routing each
// processor's next interrupt through the one-time init handler.
func (c *Context) MarkRelocated() { c.relocated.Store(true) }

// TimeoutSupported reports whether per-dispatch timeouts are advertised.
func (c *Context) TimeoutSupported() bool { return c.cfg.timeoutSupport }

// PageFaultLock is the pool-backed lock reserved for the platform's page
// fault handler, sharing the pool's cache-line discipline.
func (c *Context) PageFaultLock() *SpinLock { return c.pfLock }

// CodeAccessCheckLock is the pool-backed lock reserved for serializing the
// platform's code access check.
func (c *Context) CodeAccessCheckLock() *SpinLock { return c.codeAccessCheckLock }

// ArrivalStats returns the diagnostic counts recorded by the most recent
// incomplete gather.
func (c *Context) ArrivalStats() ArrivalStats {
	return ArrivalStats{
		Delayed: c.arrivalDelayed.Load(),
		Blocked: c.arrivalBlocked.Load(),
	}
}

// isPresentAP reports whether cpu is a present follower, i.e. checked in
// and not the currently executing coordinator.
func (c *Context) isPresentAP(cpu uint32) bool {
	return c.cpus[cpu].present.get() && cpu != c.currentlyExecutingCpu.Load()
}

// releaseAllAPs pings the run semaphore of every present follower.
func (c *Context) releaseAllAPs() {
	for i := range c.cpus {
		if c.isPresentAP(uint32(i)) {
			c.cpus[i].run.Release()
		}
	}
}

// waitForAllAPs blocks until apCount followers have pinged the
// coordinator's own run semaphore. The coordinator's run doubles as the
// shared completion meeting point; followers release it once per barrier.
func (c *Context) waitForAllAPs(apCount uint32, bsp uint32) {
	for i := uint32(0); i < apCount; i++ {
		c.cpus[bsp].run.Wait()
	}
}

// waitForAllAPsNotBusy drains outstanding dispatches: a busy lock that can
// be taken and given back has no dispatch in flight. In non-blocking mode
// the first held lock aborts the sweep.
func (c *Context) waitForAllAPsNotBusy(block bool) bool {
	for i := range c.cpus {
		if !c.isPresentAP(uint32(i)) {
			continue
		}
		if block {
			c.cpus[i].busy.Lock()
			c.cpus[i].busy.Unlock()
		} else {
			if !c.cpus[i].busy.TryLock() {
				return false
			}
			c.cpus[i].busy.Unlock()
		}
	}
	return true
}

// releaseToken retires cpu's bound token: the last completing target
// releases the token's lock, which is what IsApReady polls.
func (c *Context) releaseToken(cpu uint32) {
	d := &c.cpus[cpu]
	if d.token == nil {
		panic(`smisync: release of unbound token`)
	}
	if d.token.runningAPCount.Wait() == 0 {
		d.token.lock.Unlock()
	}
	d.token = nil
}
