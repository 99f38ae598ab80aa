// Package smisync implements the multi-processor rendezvous core of a
// system-management-interrupt handler: a barrier-based, timeout-tolerant,
// partial-membership rendezvous protocol over raw atomic counters and spin
// locks.
//
// # Architecture
//
// A [Context] holds the process-wide rendezvous state: a check-in counter,
// the inside/exit barrier flags, a cache-line-strided pool of per-processor
// semaphores and locks, and a recycling allocator of procedure tokens. On
// every interrupt, each logical processor enters through
// [Context.SmiRendezvous]; one is elected coordinator (the BSP) and runs
// the gather / dispatch / release sequence, the rest (the APs) check in,
// serve dispatched work items, and leave in lockstep with the coordinator.
//
// External concerns — interrupt validation, election policy, directed
// interrupts, memory-type-range swapping, model-specific registers,
// timeout sources — are collaborators supplied via [Platform]. The
// dispatcher itself is registered with [Context.RegisterSmmEntry] and is
// invoked exactly once per interrupt, on the coordinator, between the
// arrival barriers and the dispatch drain.
//
// # Gathering modes
//
//   - [SyncModeTraditional]: every processor is gathered before the
//     dispatcher runs, tolerating processors the platform reports blocked
//     or disabled, with a two-round timeout-and-interrupt pull-in.
//   - [SyncModeRelaxed]: the dispatcher runs immediately; stragglers are
//     absorbed at exit.
//
// # Scheduling
//
// Inside the dispatcher, work is pushed to followers with
// [Context.StartupThisAp] (single target, blocking or token-gated) and
// [Context.InternalSmmStartupAllAPs] (broadcast). A follower's busy lock is
// the single source of truth for "dispatch in flight"; non-blocking
// dispatches hand back a completion lock polled via [Context.IsApReady].
//
// # Concurrency
//
// Every wait is a busy-wait: there is no operating system underneath this
// phase, so nothing suspends. All shared words are sequentially-consistent
// atomics, one per cache line. When simulated (each logical processor a
// goroutine), the pause hint yields to the scheduler, so the protocol is
// live even with fewer OS threads than processors.
package smisync
