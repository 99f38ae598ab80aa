package smisync

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// SyncMode selects when application processors are gathered relative to the
// coordinator's dispatcher run.
type SyncMode int32

const (
	// SyncModeTraditional gathers every processor before the dispatcher.
	SyncModeTraditional SyncMode = iota
	// SyncModeRelaxed lets the dispatcher run first and absorbs arrivals
	// at exit.
	SyncModeRelaxed
)

// String returns the string representation of the sync mode.
func (m SyncMode) String() string {
	switch m {
	case SyncModeTraditional:
		return "traditional"
	case SyncModeRelaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

// contextOptions holds resolved configuration for Context creation.
type contextOptions struct {
	logger             *logiface.Logger[logiface.Event]
	syncMode           SyncMode
	bspElection        bool
	fixedBsp           uint32
	blockStartupThisAp bool
	tokenCountPerChunk uint32
	hotPlug            bool
	smmDebug           bool
	profile            bool
	timeoutSupport     bool
	relocated          bool
	syncTimeout        time.Duration
}

// Option configures a Context instance.
type Option interface {
	apply(*contextOptions) error
}

type optionImpl struct {
	applyFunc func(*contextOptions) error
}

func (x *optionImpl) apply(opts *contextOptions) error { return x.applyFunc(opts) }

// WithLogger sets the structured logger used for diagnostics. A nil logger
// (the default) disables logging; hot paths never allocate in that case.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSyncMode sets the gathering mode. **Defaults to SyncModeTraditional.**
func WithSyncMode(mode SyncMode) Option {
	return &optionImpl{func(opts *contextOptions) error {
		if mode != SyncModeTraditional && mode != SyncModeRelaxed {
			return fmt.Errorf(`smisync: invalid sync mode %d: %w`, int32(mode), ErrInvalidParameter)
		}
		opts.syncMode = mode
		return nil
	}}
}

// WithBspElection enables or disables per-interrupt coordinator election.
// **Defaults to enabled.** When disabled the coordinator is processor 0, or
// whatever WithFixedBsp named.
func WithBspElection(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.bspElection = enabled
		return nil
	}}
}

// WithFixedBsp disables election and names the coordinator.
func WithFixedBsp(cpu uint32) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.bspElection = false
		opts.fixedBsp = cpu
		return nil
	}}
}

// WithBlockingStartupThisAp makes SmmStartupThisAp block until the target
// completes, instead of the default fire-and-forget dispatch.
func WithBlockingStartupThisAp(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.blockStartupThisAp = enabled
		return nil
	}}
}

// WithTokenCountPerChunk sets how many procedure tokens are allocated per
// chunk of the token list. **Defaults to 64.** Must be nonzero.
func WithTokenCountPerChunk(count uint32) Option {
	return &optionImpl{func(opts *contextOptions) error {
		if count == 0 {
			return fmt.Errorf(`smisync: token count per chunk must be nonzero: %w`, ErrInvalidParameter)
		}
		opts.tokenCountPerChunk = count
		return nil
	}}
}

// WithHotPlugSupport enables the hot-plug bookkeeping hook at the end of
// each interrupt.
func WithHotPlugSupport(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.hotPlug = enabled
		return nil
	}}
}

// WithDebug enables the debug-agent entry/exit hooks around the
// coordinator's run.
func WithDebug(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.smmDebug = enabled
		return nil
	}}
}

// WithProfiling enables per-processor profiling activation on the follower
// path.
func WithProfiling(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.profile = enabled
		return nil
	}}
}

// WithTimeoutSupport advertises per-dispatch timeout support. The core only
// surfaces the capability: enforcement belongs to the dispatcher. When
// disabled (the default), scheduling calls with a nonzero timeout are
// rejected.
func WithTimeoutSupport(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.timeoutSupport = enabled
		return nil
	}}
}

// WithRelocatedImage marks the handler image as relocated at boot, routing
// each processor's first interrupt through the one-time init handler.
func WithRelocatedImage(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.relocated = enabled
		return nil
	}}
}

// WithSyncTimeout sets the arrival-round budget used by the default sync
// timer. **Defaults to 1ms.** Ignored when Platform.Timer is provided.
func WithSyncTimeout(timeout time.Duration) Option {
	return &optionImpl{func(opts *contextOptions) error {
		if timeout <= 0 {
			return fmt.Errorf(`smisync: sync timeout must be positive: %w`, ErrInvalidParameter)
		}
		opts.syncTimeout = timeout
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*contextOptions, error) {
	cfg := &contextOptions{
		syncMode:           SyncModeTraditional,
		bspElection:        true,
		tokenCountPerChunk: 64,
		syncTimeout:        time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // skip nil options gracefully
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
