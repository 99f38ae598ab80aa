package smisync

import "time"

// InvalidApicID marks a processor slot that cannot be targeted by a
// directed interrupt (empty slot, or hot-removed processor).
const InvalidApicID = ^uint64(0)

type (
	// ProcessorInfo describes one logical processor slot.
	ProcessorInfo struct {
		// ProcessorID is the APIC id, or InvalidApicID for an empty slot.
		ProcessorID uint64
		// Package is the physical package (socket) the processor is in.
		Package uint32
	}

	// Topology exposes the processor inventory. Implementations must be
	// safe for concurrent reads; the core never writes through it.
	Topology interface {
		// NumberOfCpus is the count of logical processors installed.
		NumberOfCpus() uint32
		// MaxNumberOfCpus bounds the processor index space, allowing for
		// hot-add headroom beyond NumberOfCpus.
		MaxNumberOfCpus() uint32
		// ProcessorInfo returns the slot description for cpu.
		ProcessorInfo(cpu uint32) ProcessorInfo
		// MarkedForRemoval reports a pending hot-remove for cpu.
		MarkedForRemoval(cpu uint32) bool
	}

	// SmmRegister names the per-processor platform registers consulted by
	// the arrival protocol.
	SmmRegister int

	// CpuFeatures is the processor-feature collaborator. Implementations
	// must embed UnimplementedCpuFeatures.
	CpuFeatures interface {
		// SmmRegister reads the named register for cpu. For SmmRegEnable a
		// zero value means the processor is disabled for management-mode
		// entry; for the others nonzero means the state is asserted.
		SmmRegister(cpu uint32, reg SmmRegister) uint64
		// NeedConfigureMtrrs reports whether memory-type ranges must be
		// swapped to dedicated values for the duration of the interrupt.
		NeedConfigureMtrrs() bool
		// RendezvousEntry runs at the top of every per-processor entry.
		RendezvousEntry(cpu uint32)
		// RendezvousExit runs at the bottom of every per-processor entry.
		RendezvousExit(cpu uint32)
		// DisableSmrr suspends the range register protecting the handler
		// image, ahead of installing the dedicated ranges.
		DisableSmrr(cpu uint32)
		// ReenableSmrr restores the protection before the OS ranges return.
		ReenableSmrr(cpu uint32)

		mustEmbedUnimplementedCpuFeatures()
	}

	// Hooks is the platform-policy collaborator: interrupt validation,
	// coordinator election, directed interrupts, and the optional debug,
	// profiling, hot-plug, and first-entry integration points.
	// Implementations must embed UnimplementedHooks, which supplies benign
	// defaults for everything optional.
	Hooks interface {
		// ValidSmi reports whether the platform sees an interrupt source
		// worth handling on the calling processor.
		ValidSmi() bool
		// BspElection may pick the coordinator. ErrUnsupported (or any
		// error) defers to first-come-first-served election in the core.
		BspElection(cpu uint32) (isBsp bool, err error)
		// ClearTopLevelSmiStatus acknowledges the top-level interrupt
		// status. Returning false is a fatal platform defect.
		ClearTopLevelSmiStatus() bool
		// SendSmiIpi sends a directed management-mode interrupt.
		SendSmiIpi(apicID uint64)
		// SmmInitHandler performs the one-time first-interrupt
		// initialization for cpu, on the relocated-image path.
		SmmInitHandler(cpu uint32)
		// DebugEntry / DebugExit bracket the coordinator's run for a debug
		// agent, when debugging is enabled.
		DebugEntry(cpu uint32)
		DebugExit(cpu uint32)
		// PerformPreTasks runs immediately before the dispatcher.
		PerformPreTasks()
		// PerformRemainingTasks runs after all dispatched work drained.
		PerformRemainingTasks()
		// SmmCpuUpdate applies hot-plug bookkeeping at the end of a run.
		SmmCpuUpdate()
		// ActivateProfile enables per-processor profiling, when configured.
		ActivateProfile(cpu uint32)
		// MigratePerfLogs moves deferred performance records out of the
		// handler context at the end of a run.
		MigratePerfLogs()
		// ReadCr2 / WriteCr2 save and restore the page-fault linear
		// address around the handler, so a fault taken inside does not
		// leak state to the interrupted context.
		ReadCr2(cpu uint32) uintptr
		WriteCr2(cpu uint32, value uintptr)

		mustEmbedUnimplementedHooks()
	}

	// MtrrOps reads and writes the full memory-type-range state of a
	// processor. The settings payload is opaque to the core: it is captured,
	// handed back verbatim, and compared only by the tests.
	MtrrOps interface {
		Get(cpu uint32) MtrrSettings
		Set(cpu uint32, settings MtrrSettings)
	}

	// MsrAccess isolates the model-specific-register reads behind the
	// machine-check early exit, so tests can inject a pending local
	// machine check.
	MsrAccess interface {
		// Read returns the value of the given register for cpu.
		Read(cpu uint32, index uint32) uint64
		// McaSupported reports the machine-check-architecture CPUID bit.
		McaSupported(cpu uint32) bool
	}

	// SyncTimer is the timeout capability for the arrival protocol. The
	// core does not own wall-clock semantics: Start returns an opaque
	// handle, Timeout reports its expiry.
	SyncTimer interface {
		Start() uint64
		Timeout(t uint64) bool
	}

	// Platform bundles the external collaborators threaded through New.
	// Topology and Hooks are required. Features defaults to
	// UnimplementedCpuFeatures, Timer to a duration timer with the
	// WithSyncTimeout budget (1ms unless configured). Mtrr
	// is required only when Features.NeedConfigureMtrrs reports true; Msr
	// may be nil, disabling the machine-check early exit.
	Platform struct {
		Topology Topology
		Hooks    Hooks
		Features CpuFeatures
		Mtrr     MtrrOps
		Msr      MsrAccess
		Timer    SyncTimer
	}

	// UnimplementedHooks provides benign defaults: every interrupt is
	// valid, status always clears, election defers to the core, and the
	// optional integration points are no-ops.
	UnimplementedHooks struct{}

	// UnimplementedCpuFeatures provides defaults describing a plain
	// platform: no register state (every processor enabled, none blocked
	// or delayed), no range-register reprogramming, no entry/exit work.
	UnimplementedCpuFeatures struct{}
)

const (
	// SmmRegDelayed is nonzero while a processor is delaying its entry.
	SmmRegDelayed SmmRegister = iota
	// SmmRegBlocked is nonzero while a processor cannot take the interrupt.
	SmmRegBlocked
	// SmmRegEnable is zero when a processor is disabled by the platform.
	SmmRegEnable
)

func (UnimplementedHooks) ValidSmi() bool { return true }

func (UnimplementedHooks) BspElection(uint32) (bool, error) { return false, ErrUnsupported }

func (UnimplementedHooks) ClearTopLevelSmiStatus() bool { return true }

func (UnimplementedHooks) SendSmiIpi(uint64) {}

func (UnimplementedHooks) SmmInitHandler(uint32) {}

func (UnimplementedHooks) DebugEntry(uint32) {}

func (UnimplementedHooks) DebugExit(uint32) {}

func (UnimplementedHooks) PerformPreTasks() {}

func (UnimplementedHooks) PerformRemainingTasks() {}

func (UnimplementedHooks) SmmCpuUpdate() {}

func (UnimplementedHooks) ActivateProfile(uint32) {}

func (UnimplementedHooks) MigratePerfLogs() {}

func (UnimplementedHooks) ReadCr2(uint32) uintptr { return 0 }

func (UnimplementedHooks) WriteCr2(uint32, uintptr) {}

func (UnimplementedHooks) mustEmbedUnimplementedHooks() {}

func (UnimplementedCpuFeatures) SmmRegister(_ uint32, reg SmmRegister) uint64 {
	if reg == SmmRegEnable {
		return 1
	}
	return 0
}

func (UnimplementedCpuFeatures) NeedConfigureMtrrs() bool { return false }

func (UnimplementedCpuFeatures) RendezvousEntry(uint32) {}

func (UnimplementedCpuFeatures) RendezvousExit(uint32) {}

func (UnimplementedCpuFeatures) DisableSmrr(uint32) {}

func (UnimplementedCpuFeatures) ReenableSmrr(uint32) {}

func (UnimplementedCpuFeatures) mustEmbedUnimplementedCpuFeatures() {}

// durationTimer is the default SyncTimer: handles are deadlines on a
// monotonic clock.
type durationTimer struct {
	base    time.Time
	timeout time.Duration
}

func newDurationTimer(timeout time.Duration) *durationTimer {
	return &durationTimer{base: time.Now(), timeout: timeout}
}

func (x *durationTimer) Start() uint64 {
	return uint64(time.Since(x.base) + x.timeout)
}

func (x *durationTimer) Timeout(t uint64) bool {
	return uint64(time.Since(x.base)) >= t
}

// Model-specific registers and bits behind the local-machine-check early
// exit in the arrival protocol.
const (
	msrIA32FeatureControl uint32 = 0x3a
	msrIA32McgCap         uint32 = 0x179
	msrIA32McgStatus      uint32 = 0x17a
	msrIA32McgExtCtl      uint32 = 0x4d0

	mcgCapLmceP          uint64 = 1 << 27
	featureControlLmceOn uint64 = 1 << 20
	mcgExtCtlLmceEn      uint64 = 1 << 0
	mcgStatusLmces       uint64 = 1 << 3
)

// isLmceOsEnabled reports whether the OS armed local machine checks on cpu:
// the capability must be present, opted into via feature control, and
// enabled in the extended control register.
func (c *Context) isLmceOsEnabled(cpu uint32) bool {
	if c.platform.Msr == nil || !c.platform.Msr.McaSupported(cpu) {
		return false
	}
	if c.platform.Msr.Read(cpu, msrIA32McgCap)&mcgCapLmceP == 0 {
		return false
	}
	if c.platform.Msr.Read(cpu, msrIA32FeatureControl)&featureControlLmceOn == 0 {
		return false
	}
	return c.platform.Msr.Read(cpu, msrIA32McgExtCtl)&mcgExtCtlLmceEn != 0
}

// isLmceSignaled reports a pending local machine check on cpu.
func (c *Context) isLmceSignaled(cpu uint32) bool {
	if c.platform.Msr == nil || !c.platform.Msr.McaSupported(cpu) {
		return false
	}
	return c.platform.Msr.Read(cpu, msrIA32McgStatus)&mcgStatusLmces != 0
}
