package smisync

// MtrrSettings is a full memory-type-range snapshot. The core only moves
// these between the OS and the handler; interpreting the ranges belongs to
// the platform's range-register library.
type MtrrSettings struct {
	// DefType is the default-type register.
	DefType uint64
	// Fixed holds the fixed-range registers.
	Fixed [11]uint64
	// Variable holds base/mask pairs for the variable ranges.
	Variable [][2]uint64
}

// replaceOSMtrrs installs the handler's ranges on cpu, dropping the range
// register protecting the handler image first (the dedicated ranges take
// over that job).
func (c *Context) replaceOSMtrrs(cpu uint32) {
	c.platform.Features.DisableSmrr(cpu)
	c.platform.Mtrr.Set(cpu, c.smiMtrrs)
}

// restoreOSMtrrs puts cpu's saved OS ranges back, re-arming the handler
// protection beforehand.
func (c *Context) restoreOSMtrrs(cpu uint32, saved MtrrSettings) {
	c.platform.Features.ReenableSmrr(cpu)
	c.platform.Mtrr.Set(cpu, saved)
}
