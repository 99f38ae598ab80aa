package smisync

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func TestLogging_SchedulingRejectionIsLogged(t *testing.T) {
	const n = 2
	var buf bytes.Buffer
	tp := newTestPlatform(n)
	c, err := New(tp.platform(), WithLogger(newBufferLogger(&buf)))
	require.NoError(t, err)

	var checked atomic.Bool
	require.NoError(t, c.RegisterSmmEntry(func(entry *SmmEntryContext) {
		assert.ErrorIs(t, c.StartupThisAp(nil, 1-entry.CurrentlyExecutingCpu, nil, nil, 0, nil), ErrInvalidParameter)
		checked.Store(true)
	}))

	runSMI(t, c, allCPUs(n)...)
	require.True(t, checked.Load())
	assert.True(t, strings.Contains(buf.String(), `scheduling rejected`), "got log output: %s", buf.String())
	assert.True(t, strings.Contains(buf.String(), `invalid parameter`), "got log output: %s", buf.String())
}

func TestLogging_NilLoggerIsSafe(t *testing.T) {
	c, _ := newTestContext(t, 2)
	assert.False(t, c.allowDiag(diagScheduling))
	// Must not panic.
	c.logSchedulingErr(`op`, 0, ErrInvalidParameter)
}

func TestLogging_DiagnosticsAreRateLimited(t *testing.T) {
	var buf bytes.Buffer
	tp := newTestPlatform(2)
	c, err := New(tp.platform(), WithLogger(newBufferLogger(&buf)))
	require.NoError(t, err)
	require.NotNil(t, c.limiter)

	allowed := 0
	for i := 0; i < 10; i++ {
		if c.allowDiag(diagArrivalTimeout) {
			allowed++
		}
	}
	assert.Greater(t, allowed, 0)
	assert.Less(t, allowed, 10, "burst must be limited")
}
