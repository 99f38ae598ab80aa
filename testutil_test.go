package smisync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// testPlatform simulates the hardware side: topology, platform registers,
// directed interrupts, per-processor ranges, and model-specific registers.
// Zero-value behavior matches a plain platform; tests override fields.
type testPlatform struct {
	UnimplementedHooks
	UnimplementedCpuFeatures

	n   uint32
	max uint32 // defaults to n

	packageOf func(cpu uint32) uint32 // defaults to one package
	apicOf    func(cpu uint32) uint64 // defaults to cpu*2
	removal   map[uint32]bool

	needMtrr bool
	// blockedWhenPending holds processors whose blocked register reads
	// nonzero only once a directed interrupt is pending for them, the way
	// a held-out processor latches a pending interrupt.
	blockedWhenPending map[uint32]bool

	validSmi atomic.Int32 // <0 forces false; default true

	mca     bool
	msr     map[uint32]uint64
	readMsr func(cpu uint32, index uint32) uint64 // overrides msr when set

	mu   sync.Mutex
	ipis []uint64

	onRemainingTasks func()

	cr2      sync.Map // cpu -> uintptr, the "live" fault address
	cr2Saved sync.Map // cpu -> uintptr, last value restored

	ranges sync.Map // cpu -> MtrrSettings

	clearStatusCalls atomic.Int32
	debugEntries     atomic.Int32
	debugExits       atomic.Int32
	initCalls        sync.Map // cpu -> *atomic.Int32
	profileCalls     atomic.Int32
	hotPlugCalls     atomic.Int32
	perfMigrations   atomic.Int32
}

func newTestPlatform(n uint32) *testPlatform {
	return &testPlatform{n: n, max: n}
}

func (x *testPlatform) NumberOfCpus() uint32    { return x.n }
func (x *testPlatform) MaxNumberOfCpus() uint32 { return x.max }

func (x *testPlatform) ProcessorInfo(cpu uint32) ProcessorInfo {
	if cpu >= x.n {
		return ProcessorInfo{ProcessorID: InvalidApicID}
	}
	info := ProcessorInfo{ProcessorID: uint64(cpu) * 2}
	if x.apicOf != nil {
		info.ProcessorID = x.apicOf(cpu)
	}
	if x.packageOf != nil {
		info.Package = x.packageOf(cpu)
	}
	return info
}

func (x *testPlatform) MarkedForRemoval(cpu uint32) bool { return x.removal[cpu] }

func (x *testPlatform) ValidSmi() bool { return x.validSmi.Load() >= 0 }

func (x *testPlatform) ClearTopLevelSmiStatus() bool {
	x.clearStatusCalls.Add(1)
	return true
}

func (x *testPlatform) SendSmiIpi(apicID uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ipis = append(x.ipis, apicID)
}

func (x *testPlatform) sentIpis() []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]uint64(nil), x.ipis...)
}

func (x *testPlatform) ipiPendingFor(cpu uint32) bool {
	apic := x.ProcessorInfo(cpu).ProcessorID
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range x.ipis {
		if id == apic {
			return true
		}
	}
	return false
}

func (x *testPlatform) SmmInitHandler(cpu uint32) {
	v, _ := x.initCalls.LoadOrStore(cpu, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (x *testPlatform) DebugEntry(uint32) { x.debugEntries.Add(1) }
func (x *testPlatform) DebugExit(uint32)  { x.debugExits.Add(1) }

func (x *testPlatform) PerformRemainingTasks() {
	if x.onRemainingTasks != nil {
		x.onRemainingTasks()
	}
}

func (x *testPlatform) ActivateProfile(uint32) { x.profileCalls.Add(1) }
func (x *testPlatform) SmmCpuUpdate()          { x.hotPlugCalls.Add(1) }
func (x *testPlatform) MigratePerfLogs()       { x.perfMigrations.Add(1) }

func (x *testPlatform) ReadCr2(cpu uint32) uintptr {
	if v, ok := x.cr2.Load(cpu); ok {
		return v.(uintptr)
	}
	return 0
}

func (x *testPlatform) WriteCr2(cpu uint32, value uintptr) {
	x.cr2Saved.Store(cpu, value)
}

func (x *testPlatform) SmmRegister(cpu uint32, reg SmmRegister) uint64 {
	switch reg {
	case SmmRegBlocked:
		if x.blockedWhenPending[cpu] && x.ipiPendingFor(cpu) {
			return 1
		}
		return 0
	case SmmRegEnable:
		return 1
	default:
		return 0
	}
}

func (x *testPlatform) NeedConfigureMtrrs() bool { return x.needMtrr }

func (x *testPlatform) Get(cpu uint32) MtrrSettings {
	if v, ok := x.ranges.Load(cpu); ok {
		return v.(MtrrSettings)
	}
	return MtrrSettings{}
}

func (x *testPlatform) Set(cpu uint32, settings MtrrSettings) {
	x.ranges.Store(cpu, settings)
}

func (x *testPlatform) Read(cpu uint32, index uint32) uint64 {
	if x.readMsr != nil {
		return x.readMsr(cpu, index)
	}
	return x.msr[index]
}

func (x *testPlatform) McaSupported(uint32) bool { return x.mca }

func (x *testPlatform) platform() Platform {
	p := Platform{Topology: x, Hooks: x, Features: x}
	if x.needMtrr {
		p.Mtrr = x
	}
	if x.mca || x.msr != nil || x.readMsr != nil {
		p.Msr = x
	}
	return p
}

// tickTimer is a deterministic SyncTimer: a round times out after budget
// Timeout probes. calls counts every probe across rounds.
type tickTimer struct {
	budget int
	calls  atomic.Int64
	round  atomic.Int64
}

func (x *tickTimer) Start() uint64 {
	x.round.Store(0)
	return 0
}

func (x *tickTimer) Timeout(uint64) bool {
	x.calls.Add(1)
	return x.round.Add(1) > int64(x.budget)
}

// newTestContext builds a Context over a fresh testPlatform with a
// generous default arrival budget.
func newTestContext(t *testing.T, n uint32, opts ...Option) (*Context, *testPlatform) {
	t.Helper()
	tp := newTestPlatform(n)
	c, err := New(tp.platform(), append([]Option{WithSyncTimeout(50 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, tp
}

// runSMI drives one interrupt with the given processors, one goroutine
// each, and waits for all of them to leave the handler.
func runSMI(t *testing.T, c *Context, cpus ...uint32) {
	t.Helper()
	var group errgroup.Group
	for _, cpu := range cpus {
		group.Go(func() error {
			c.SmiRendezvous(cpu)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("interrupt run failed: %v", err)
	}
}

// allCPUs returns 0..n-1.
func allCPUs(n uint32) []uint32 {
	cpus := make([]uint32, n)
	for i := range cpus {
		cpus[i] = uint32(i)
	}
	return cpus
}

// requireCleanExitState asserts the post-interrupt global state.
func requireCleanExitState(t *testing.T, c *Context) {
	t.Helper()
	if got := c.counter.Load(); got != 0 {
		t.Errorf("counter = %d, want 0", got)
	}
	if c.insideSmm.get() {
		t.Error("insideSmm still set")
	}
	if c.allCpusInSync.get() {
		t.Error("allCpusInSync still set")
	}
	if c.allApArrivedWithException.Load() {
		t.Error("allApArrivedWithException still set")
	}
	for i := range c.cpus {
		if c.cpus[i].present.get() {
			t.Errorf("cpu %d still present", i)
		}
		if got := c.cpus[i].run.Load(); got != 0 {
			t.Errorf("cpu %d run semaphore = %d, want 0", i, got)
		}
		if c.cpus[i].busy.IsHeld() {
			t.Errorf("cpu %d busy still held", i)
		}
	}
	if c.tokens.firstFree != 0 {
		t.Errorf("token firstFree = %d, want 0", c.tokens.firstFree)
	}
	if c.cfg.bspElection {
		if got := c.bspIndex.Load(); got != bspUnelected {
			t.Errorf("bspIndex = %d, want unelected", got)
		}
	}
}
