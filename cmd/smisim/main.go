// Command smisim drives the rendezvous core with simulated logical
// processors, one goroutine each, and reports what happened. It exists to
// exercise and demonstrate the full protocol from the command line:
//
//	smisim -n 8 -s 3 --broadcast --mtrr
//	smisim -n 4 --blocked 3 -v
package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	smisync "github.com/joeycumines/go-smisync"
	"github.com/jessevdk/go-flags"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Cpus      uint32 `short:"n" long:"cpus" default:"4" description:"Number of simulated logical processors"`
	Smis      int    `short:"s" long:"smis" default:"2" description:"Number of back-to-back interrupts to run"`
	Relaxed   bool   `long:"relaxed" description:"Gather processors after the dispatcher instead of before"`
	Mtrr      bool   `long:"mtrr" description:"Swap memory-type ranges for the duration of each interrupt"`
	Blocked   string `long:"blocked" description:"Comma-separated processor indexes held out of the rendezvous"`
	Broadcast bool   `long:"broadcast" description:"Schedule a broadcast work item from the dispatcher"`
	Verbose   bool   `short:"v" long:"verbose" description:"Debug logging"`
}

// simPlatform fakes the hardware: per-processor ranges, a recorded
// interrupt log, and platform registers reporting the held-out processors
// as blocked once an interrupt is pending for them.
type simPlatform struct {
	smisync.UnimplementedHooks
	smisync.UnimplementedCpuFeatures

	cpus    uint32
	mtrr    bool
	blocked map[uint32]bool

	mu      sync.Mutex
	ipis    []uint64
	pending map[uint64]bool

	ranges sync.Map // cpu -> smisync.MtrrSettings
}

func (x *simPlatform) NumberOfCpus() uint32    { return x.cpus }
func (x *simPlatform) MaxNumberOfCpus() uint32 { return x.cpus }

func (x *simPlatform) ProcessorInfo(cpu uint32) smisync.ProcessorInfo {
	if cpu >= x.cpus {
		return smisync.ProcessorInfo{ProcessorID: smisync.InvalidApicID}
	}
	return smisync.ProcessorInfo{ProcessorID: uint64(cpu) * 2, Package: cpu / 4}
}

func (x *simPlatform) MarkedForRemoval(uint32) bool { return false }

func (x *simPlatform) SendSmiIpi(apicID uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ipis = append(x.ipis, apicID)
	x.pending[apicID] = true
}

func (x *simPlatform) SmmRegister(cpu uint32, reg smisync.SmmRegister) uint64 {
	switch reg {
	case smisync.SmmRegBlocked:
		if x.blocked[cpu] && x.interruptPending(uint64(cpu)*2) {
			return 1
		}
		return 0
	case smisync.SmmRegEnable:
		return 1
	default:
		return 0
	}
}

func (x *simPlatform) interruptPending(apicID uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pending[apicID]
}

func (x *simPlatform) NeedConfigureMtrrs() bool { return x.mtrr }

func (x *simPlatform) Get(cpu uint32) smisync.MtrrSettings {
	if v, ok := x.ranges.Load(cpu); ok {
		return v.(smisync.MtrrSettings)
	}
	return smisync.MtrrSettings{DefType: 6}
}

func (x *simPlatform) Set(cpu uint32, settings smisync.MtrrSettings) {
	x.ranges.Store(cpu, settings)
}

func main() {
	log.SetFlags(0)

	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.Parse()
	if err != nil {
		log.Fatalf("Invalid arguments: %s", err)
	}
	if len(rest) != 0 {
		log.Fatalf("Unparsable arguments: %s", strings.Join(rest, ", "))
	}
	if opts.Cpus == 0 {
		log.Fatal("At least one processor is required.")
	}

	blocked := make(map[uint32]bool)
	if opts.Blocked != "" {
		for _, s := range strings.Split(opts.Blocked, ",") {
			i, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
			if err != nil || uint32(i) >= opts.Cpus {
				log.Fatalf("Invalid blocked processor `%s'", s)
			}
			blocked[uint32(i)] = true
		}
	}
	if len(blocked) >= int(opts.Cpus) {
		log.Fatal("At least one processor must remain unblocked.")
	}

	level := logiface.LevelInformational
	if opts.Verbose {
		level = logiface.LevelDebug
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(level),
	).Logger()

	platform := &simPlatform{
		cpus:    opts.Cpus,
		mtrr:    opts.Mtrr,
		blocked: blocked,
		pending: make(map[uint64]bool),
	}

	mode := smisync.SyncModeTraditional
	if opts.Relaxed {
		mode = smisync.SyncModeRelaxed
	}

	ctx, err := smisync.New(
		smisync.Platform{
			Topology: platform,
			Hooks:    platform,
			Features: platform,
			Mtrr:     platform,
		},
		smisync.WithLogger(logger),
		smisync.WithSyncMode(mode),
		smisync.WithSyncTimeout(5*time.Millisecond),
	)
	if err != nil {
		log.Fatalf("Rendezvous state: %s", err)
	}

	var dispatches, broadcasts int
	_ = ctx.RegisterSmmEntry(func(entry *smisync.SmmEntryContext) {
		dispatches++
		if !opts.Broadcast {
			return
		}
		statuses := make([]error, entry.NumberOfCpus)
		err := entry.Context.InternalSmmStartupAllAPs(func(arg any) error {
			return nil
		}, 0, entry.CurrentlyExecutingCpu, nil, statuses)
		if err != nil {
			logger.Err().Err(err).Log(`broadcast failed`)
			return
		}
		for _, status := range statuses {
			if status == nil {
				broadcasts++
			}
		}
	})

	start := time.Now()
	for smi := 0; smi < opts.Smis; smi++ {
		var group errgroup.Group
		for cpu := uint32(0); cpu < opts.Cpus; cpu++ {
			if blocked[cpu] {
				continue
			}
			group.Go(func() error {
				ctx.SmiRendezvous(cpu)
				return nil
			})
		}
		_ = group.Wait()
	}
	elapsed := time.Since(start)

	stats := ctx.ArrivalStats()
	fmt.Printf("ran %d interrupt(s) on %d processor(s) in %s\n", opts.Smis, opts.Cpus, elapsed)
	fmt.Printf("dispatcher invocations: %d\n", dispatches)
	if opts.Broadcast {
		fmt.Printf("broadcast completions: %d\n", broadcasts)
	}
	if len(platform.ipis) != 0 {
		fmt.Printf("directed interrupts sent: %d (blocked at last gather: %d)\n", len(platform.ipis), stats.Blocked)
	}
}
