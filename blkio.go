// Package blkio provides an asynchronous block-I/O execution engine: it
// submits read/write/trim/flush operations against a pluggable
// block-device driver, reaps their completions under one of three waiting
// policies, and manages the pinned memory regions used for zero-copy
// transfers.
//
// One Engine serves one worker: a single device connection, a single
// queue, and at most one registered memory region. The embedding harness
// feeds it operations via Submit, drains them via GetEvents, and consumes
// results via Event.
package blkio

import (
	"errors"

	"github.com/ehrlich-b/go-blkio/driver"
	"github.com/ehrlich-b/go-blkio/internal/constants"
	"github.com/ehrlich-b/go-blkio/internal/logging"
	"github.com/ehrlich-b/go-blkio/internal/props"
	"golang.org/x/sys/unix"
)

// Logger is the structured logger used across the engine.
type Logger = logging.Logger

// Engine drives one queue of one device. Not safe for concurrent use:
// the harness guarantees one worker per engine.
type Engine struct {
	cfg Config
	log *Logger
	obs Observer

	dev driver.Device
	q   driver.Queue

	// completionFD is -1 unless the notification descriptor is enabled.
	completionFD int

	region *Region

	// Per-slot scratch. iovecs is indexed by slot so a vectored request's
	// descriptor stays valid while the request is in flight; completions
	// is the slot pool DoIO writes into.
	iovecs      []unix.Iovec
	completions []driver.Completion

	closed bool
}

// connectDevice creates a device from cfg and walks it to the connected
// state: direct hint, read-only flag, pre-connect properties, connect,
// pre-start properties. Any failure after creation destroys the instance
// before returning, so no partially-built driver resource leaks.
func connectDevice(cfg *Config) (driver.Device, error) {
	if cfg.Driver == "" {
		return nil, NewConfigError("connect", "driver name is required")
	}

	dev, err := cfg.Registry.Open(cfg.Driver)
	if err != nil {
		return nil, NewBackendError("create", cfg.Driver, err)
	}

	// A driver without a "direct" property is fine; a driver that has
	// one but fails to set it is not.
	if err := dev.SetBool(constants.PropDirect, cfg.Direct); err != nil && !errors.Is(err, driver.ErrNoSuchProperty) {
		dev.Destroy()
		return nil, NewBackendError("set-direct", cfg.Driver, err)
	}

	if err := dev.SetBool(constants.PropReadOnly, cfg.ReadOnly); err != nil {
		dev.Destroy()
		return nil, NewBackendError("set-read-only", cfg.Driver, err)
	}

	if err := props.ParseAndApply(dev, cfg.PreConnectProps); err != nil {
		dev.Destroy()
		return nil, NewBackendError("pre-connect-props", cfg.Driver, err)
	}

	if err := dev.Connect(); err != nil {
		dev.Destroy()
		return nil, NewBackendError("connect", cfg.Driver, err)
	}

	if err := props.ParseAndApply(dev, cfg.PreStartProps); err != nil {
		dev.Destroy()
		return nil, NewBackendError("pre-start-props", cfg.Driver, err)
	}

	return dev, nil
}

// Capacity performs the one-shot sizing pass: connect a throwaway device,
// read its capacity in bytes, and destroy it. The run itself reconnects
// through New, which may happen in a different process or thread than the
// sizing pass.
func Capacity(cfg Config) (uint64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	dev, err := connectDevice(&cfg)
	if err != nil {
		return 0, err
	}
	defer dev.Destroy()

	capacity, err := dev.GetUint64(constants.PropCapacity)
	if err != nil {
		return 0, NewBackendError("get-capacity", cfg.Driver, err)
	}
	return capacity, nil
}

// New connects and starts a device for one worker and returns a ready
// engine. On any failure the partially-built state is unwound in reverse
// acquisition order.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithDriver(cfg.Driver)

	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	dev, err := connectDevice(&cfg)
	if err != nil {
		return nil, err
	}

	// Exactly one queue of the selected kind; never both nonzero.
	numQueues, numPollQueues := 1, 0
	if cfg.HiPri {
		numQueues, numPollQueues = 0, 1
	}
	if err := dev.SetInt(constants.PropNumQueues, numQueues); err != nil {
		dev.Destroy()
		return nil, NewBackendError("set-num-queues", cfg.Driver, err)
	}
	if err := dev.SetInt(constants.PropNumPollQueues, numPollQueues); err != nil {
		dev.Destroy()
		return nil, NewBackendError("set-num-poll-queues", cfg.Driver, err)
	}

	if err := dev.Start(); err != nil {
		dev.Destroy()
		return nil, NewBackendError("start", cfg.Driver, err)
	}

	var q driver.Queue
	if cfg.HiPri {
		q, err = dev.PollQueue(0)
	} else {
		q, err = dev.Queue(0)
	}
	if err != nil {
		dev.Destroy()
		return nil, NewBackendError("get-queue", cfg.Driver, err)
	}

	e := &Engine{
		cfg:          cfg,
		log:          log.WithQueue(cfg.HiPri),
		obs:          obs,
		dev:          dev,
		q:            q,
		completionFD: -1,
		iovecs:       make([]unix.Iovec, cfg.QueueDepth),
		completions:  make([]driver.Completion, cfg.QueueDepth),
	}

	if cfg.WaitMode == WaitModeEventfd || cfg.ForceCompletionEventfd {
		if err := q.SetCompletionFDEnabled(true); err != nil {
			dev.Destroy()
			return nil, NewBackendError("enable-completion-fd", cfg.Driver, err)
		}
		fd := q.CompletionFD()

		// The descriptor must block so the eventfd wait policy can park
		// on read().
		if err := unix.SetNonblock(fd, false); err != nil {
			dev.Destroy()
			return nil, NewBackendError("completion-fd-blocking", cfg.Driver, err)
		}
		e.completionFD = fd
	}

	e.log.Debug("engine started",
		"wait_mode", cfg.WaitMode.String(),
		"queue_depth", cfg.QueueDepth,
		"vectored", cfg.Vectored)

	return e, nil
}

// Device exposes the underlying driver device, for property queries such
// as the memory region alignment.
func (e *Engine) Device() driver.Device {
	return e.dev
}

// QueueDepth returns the completion slot pool size.
func (e *Engine) QueueDepth() int {
	return e.cfg.QueueDepth
}

// Close tears the engine down: release the memory region, then destroy
// the device. Best effort and idempotent; safe on a partially initialized
// engine.
func (e *Engine) Close() error {
	if e == nil || e.closed {
		return nil
	}
	e.closed = true

	e.releaseRegion()
	if e.dev != nil {
		e.dev.Destroy()
		e.dev = nil
	}
	e.q = nil
	e.completionFD = -1

	e.log.Debug("engine closed")
	return nil
}
