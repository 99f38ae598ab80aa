package smisync

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Diagnostic categories for rate limiting. A wedged processor means a storm
// of interrupts each hitting the same timeout path; the limiter keeps that
// from flooding the log without suppressing the first occurrences.
type diagCategory string

const (
	diagArrivalTimeout diagCategory = `arrival-timeout`
	diagArrivalMiss    diagCategory = `arrival-miss`
	diagScheduling     diagCategory = `scheduling`
)

func newDiagLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 2,
		time.Minute: 8,
	})
}

// allowDiag reports whether a diagnostic in the given category may be
// emitted now. Always false without a logger.
func (c *Context) allowDiag(cat diagCategory) bool {
	if c.logger == nil {
		return false
	}
	if c.limiter == nil {
		return true
	}
	_, ok := c.limiter.Allow(cat)
	return ok
}

// logSchedulingErr records a rejected scheduling call. The logger methods
// are nil-receiver safe, so the nil check is only to skip field assembly.
func (c *Context) logSchedulingErr(op string, cpu uint32, err error) {
	if c.logger == nil || !c.allowDiag(diagScheduling) {
		return
	}
	c.logger.Err().
		Err(err).
		Str(`op`, op).
		Uint64(`cpu`, uint64(cpu)).
		Log(`smisync: scheduling rejected`)
}
