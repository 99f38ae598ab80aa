package smisync

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMtrrDance_RoundTripsOsRanges(t *testing.T) {
	const n = 4
	tp := newTestPlatform(n)
	tp.needMtrr = true

	smiVal := MtrrSettings{DefType: 6, Variable: [][2]uint64{{0x80000000, 0xfff}}}
	tp.Set(0, smiVal) // captured as the handler's ranges at New

	c, err := New(tp.platform())
	require.NoError(t, err)

	osVals := make([]MtrrSettings, n)
	for i := uint32(0); i < n; i++ {
		osVals[i] = MtrrSettings{
			DefType:  uint64(i) + 1,
			Variable: [][2]uint64{{uint64(i) * 0x1000, 0xff}},
		}
		osVals[i].Fixed[0] = uint64(i) + 0x10
		tp.Set(i, osVals[i])
	}

	var mu sync.Mutex
	duringDispatch := make(map[uint32]MtrrSettings)
	require.NoError(t, c.RegisterSmmEntry(func(*SmmEntryContext) {
		mu.Lock()
		defer mu.Unlock()
		for i := uint32(0); i < n; i++ {
			duringDispatch[i] = tp.Get(i)
		}
	}))

	runSMI(t, c, allCPUs(n)...)

	for i := uint32(0); i < n; i++ {
		if diff := cmp.Diff(smiVal, duringDispatch[i]); diff != "" {
			t.Errorf("cpu %d ranges during dispatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(osVals[i], tp.Get(i)); diff != "" {
			t.Errorf("cpu %d ranges after exit (-want +got):\n%s", i, diff)
		}
	}
	requireCleanExitState(t, c)
}

func TestMtrrDance_RelaxedModeStillGathersForReprogramming(t *testing.T) {
	const n = 3
	tp := newTestPlatform(n)
	tp.needMtrr = true
	tp.Set(0, MtrrSettings{DefType: 6})

	c, err := New(tp.platform(), WithSyncMode(SyncModeRelaxed))
	require.NoError(t, err)

	var counterAtDispatch uint32
	require.NoError(t, c.RegisterSmmEntry(func(*SmmEntryContext) {
		counterAtDispatch = c.counter.Load()
	}))

	runSMI(t, c, allCPUs(n)...)

	// Range reprogramming forces the traditional-style gather even in
	// relaxed mode: enrollment is closed before the dispatcher.
	assert.Equal(t, uint32(semaphoreLocked), counterAtDispatch)
	requireCleanExitState(t, c)
}

func TestNew_RequiresMtrrOpsWhenReprogramming(t *testing.T) {
	tp := newTestPlatform(2)
	tp.needMtrr = true
	p := tp.platform()
	p.Mtrr = nil
	_, err := New(p)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
