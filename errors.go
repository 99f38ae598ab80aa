package smisync

import "errors"

// Status errors returned by the scheduling surface. Match with [errors.Is];
// wrapped variants carry call-site context.
var (
	// ErrInvalidParameter indicates a rejected argument: processor index out
	// of range, targeting self or the coordinator, a processor that is not
	// present or has no valid APIC id or is marked for removal, a nil
	// procedure, or a timeout where timeouts are not supported.
	ErrInvalidParameter = errors.New(`smisync: invalid parameter`)

	// ErrNotReady indicates the operation raced an outstanding dispatch, or
	// was attempted before the rendezvous state was initialized.
	ErrNotReady = errors.New(`smisync: not ready`)

	// ErrNotStarted indicates no application processor was available to run
	// the procedure; during a broadcast it is also the per-slot status of
	// every processor that was not present.
	ErrNotStarted = errors.New(`smisync: not started`)

	// ErrTimeout indicates a dispatched procedure did not complete within
	// the caller-supplied budget. The core itself never returns it: it
	// only advertises the capability (see [Context.TimeoutSupported]) and
	// validates that timeouts are not requested without it. The sentinel
	// exists so the dispatcher enforcing a budget can report expiry
	// through a status slot in the same taxonomy, matchable by callers
	// with [errors.Is].
	ErrTimeout = errors.New(`smisync: timeout`)

	// ErrUnsupported is returned by collaborators that cannot serve a
	// request, notably the platform election oracle, in which case the core
	// falls back to first-come-first-served election.
	ErrUnsupported = errors.New(`smisync: unsupported`)
)
