package blkio

import (
	"fmt"

	"github.com/ehrlich-b/go-blkio/driver"
	"github.com/ehrlich-b/go-blkio/internal/constants"
)

// WaitMode selects how GetEvents waits for completions. It is fixed for
// the lifetime of an Engine.
type WaitMode int

const (
	// WaitModeBlock delegates waiting to the driver's blocking drain.
	WaitModeBlock WaitMode = iota

	// WaitModeEventfd blocks on a read of the completion notification
	// descriptor between non-blocking drains.
	WaitModeEventfd

	// WaitModeLoop busy-polls with non-blocking drains, trading CPU for
	// latency.
	WaitModeLoop
)

// String returns the configuration-surface name of the mode.
func (m WaitMode) String() string {
	switch m {
	case WaitModeBlock:
		return "block"
	case WaitModeEventfd:
		return "eventfd"
	case WaitModeLoop:
		return "loop"
	default:
		return fmt.Sprintf("waitmode(%d)", int(m))
	}
}

// ParseWaitMode parses a wait mode name as it appears on the
// configuration surface.
func ParseWaitMode(s string) (WaitMode, error) {
	switch s {
	case "", "block":
		return WaitModeBlock, nil
	case "eventfd":
		return WaitModeEventfd, nil
	case "loop":
		return WaitModeLoop, nil
	default:
		return 0, NewConfigError("parse-wait-mode", fmt.Sprintf("unknown wait mode %q", s))
	}
}

// Config describes one engine instance. Driver and Registry are required;
// everything else has a usable zero value or default.
type Config struct {
	// Driver names the block-device driver to open. Required.
	Driver string

	// Registry resolves Driver. The caller composes it with the drivers
	// it wants available.
	Registry *driver.Registry

	// PreConnectProps and PreStartProps are property-list strings
	// ("name=value name=value ...") applied before connect and before
	// start respectively.
	PreConnectProps string
	PreStartProps   string

	// HiPri selects the driver's poll queue instead of a standard queue.
	HiPri bool

	// Vectored submits reads and writes through the vectored entry
	// points with a single-element iovec.
	Vectored bool

	// WriteZeroesOnTrim dispatches trim operations as zero-fill requests
	// instead of discards.
	WriteZeroesOnTrim bool

	// WaitMode governs GetEvents blocking behavior. Default block.
	WaitMode WaitMode

	// ForceCompletionEventfd enables the completion notification
	// descriptor even when WaitMode does not need it.
	ForceCompletionEventfd bool

	// ReadOnly and Direct are forwarded as driver properties. A driver
	// without a "direct" property is tolerated; "read-only" support is
	// mandatory.
	ReadOnly bool
	Direct   bool

	// QueueDepth is the maximum number of in-flight operations and the
	// size of the completion slot pool. Default 32.
	QueueDepth int

	// MaxBlockSize is the largest single transfer; the self-allocated
	// buffer arena is sized MaxBlockSize * QueueDepth. Default 64KB.
	MaxBlockSize int

	// Logger for engine messages (nil means the package default).
	Logger *Logger

	// Observer for metrics collection (nil means no-op).
	Observer Observer
}

// DefaultConfig returns a config for the named driver with default sizing.
func DefaultConfig(driverName string, reg *driver.Registry) Config {
	return Config{
		Driver:       driverName,
		Registry:     reg,
		WaitMode:     WaitModeBlock,
		QueueDepth:   constants.DefaultQueueDepth,
		MaxBlockSize: constants.DefaultMaxBlockSize,
	}
}

// Validate rejects incomplete or contradictory configurations before any
// driver resource is created.
func (c *Config) Validate() error {
	if c.Driver == "" {
		return NewConfigError("validate", "driver name is required")
	}
	if c.Registry == nil {
		return NewConfigError("validate", "driver registry is required")
	}
	if c.HiPri && c.WaitMode == WaitModeEventfd {
		return NewConfigError("validate", "hipri is incompatible with wait mode eventfd")
	}
	if c.HiPri && c.ForceCompletionEventfd {
		return NewConfigError("validate", "hipri is incompatible with forcing the completion eventfd")
	}
	if c.QueueDepth < 0 || c.MaxBlockSize < 0 {
		return NewConfigError("validate", "queue depth and max block size must be non-negative")
	}
	return nil
}

// withDefaults fills zero-valued sizing fields.
func (c Config) withDefaults() Config {
	if c.QueueDepth == 0 {
		c.QueueDepth = constants.DefaultQueueDepth
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = constants.DefaultMaxBlockSize
	}
	return c
}
