// Package driver defines the block-device abstraction the blkio engine
// drives: a Device that is configured by properties, connected, started,
// and then serviced through one or more request/completion Queues.
//
// Concrete drivers live in subpackages (driver/mem, driver/iouring) and
// are wired together through an explicit Registry held by the caller —
// there is no process-wide plugin registration.
package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoSuchProperty is returned by Set*/GetUint64 when a driver does not
// implement the named property. Callers decide whether that is fatal; the
// engine tolerates it only for the "direct" hint.
var ErrNoSuchProperty = errors.New("no such property")

// Completion is one completion record written by a driver into the
// caller-owned slot array passed to Queue.DoIO. Ret is 0 on success and a
// negative errno on failure, mirroring the kernel convention.
type Completion struct {
	UserData uint64
	Ret      int32
}

// MemRegion is a contiguous span registered with a Device so the driver
// can access it directly. Buf aliases the backing storage; FD is -1 unless
// the region is file-backed.
type MemRegion struct {
	Buf []byte
	FD  int
}

// Driver creates unconnected Device instances.
type Driver interface {
	// Name returns the driver name used for Registry lookup.
	Name() string

	// Open creates a new unconnected device instance.
	Open() (Device, error)
}

// Device is a single connection to a block-device backend. A Device moves
// through three states: unconnected (properties settable), connected
// (capacity known, start-phase properties settable), started (queues
// available). Destroy is valid in any state and must be called exactly
// once.
type Device interface {
	// SetBool, SetInt and SetStr set a named property. They are only
	// valid before Start; drivers return ErrNoSuchProperty for names
	// they do not implement.
	SetBool(name string, value bool) error
	SetInt(name string, value int) error
	SetStr(name, value string) error

	// GetUint64 reads a numeric property such as "capacity" or
	// "mem-region-alignment".
	GetUint64(name string) (uint64, error)

	// Connect establishes the connection to the backend.
	Connect() error

	// Start transitions the device to the started state, creating the
	// queues configured via "num-queues"/"num-poll-queues".
	Start() error

	// Queue and PollQueue return the i-th standard or poll queue of a
	// started device.
	Queue(i int) (Queue, error)
	PollQueue(i int) (Queue, error)

	// AllocMemRegion allocates backing storage for a region of the given
	// size. The size must already satisfy "mem-region-alignment".
	AllocMemRegion(size uint64) (MemRegion, error)

	// MapMemRegion registers a region (allocated or caller-owned) with
	// the device. UnmapMemRegion reverses it. FreeMemRegion releases
	// storage obtained from AllocMemRegion and must not be called for
	// caller-owned regions.
	MapMemRegion(r MemRegion) error
	UnmapMemRegion(r MemRegion)
	FreeMemRegion(r MemRegion)

	// Destroy tears the device down. Best effort, idempotent.
	Destroy()
}

// Queue is a request/completion channel of a started Device. Submission
// calls never block and never fail per-request; failures surface as a
// negative Ret in the completion record carrying the same user data.
//
// A Queue is not safe for concurrent use; the engine guarantees one
// worker per queue.
type Queue interface {
	Read(offset uint64, buf []byte, userData uint64)
	Write(offset uint64, buf []byte, userData uint64)

	// Readv and Writev submit vectored transfers. The iovec slice must
	// stay valid until the completion is reaped.
	Readv(offset uint64, iov []unix.Iovec, userData uint64)
	Writev(offset uint64, iov []unix.Iovec, userData uint64)

	WriteZeroes(offset, length uint64, userData uint64)
	Discard(offset, length uint64, userData uint64)
	Flush(userData uint64)

	// DoIO submits anything pending and drains between min and max
	// completions into out, returning the count written. min == 0 never
	// blocks. A nil timeout means no deadline; the deadline is only
	// honored while blocking for min.
	DoIO(out []Completion, min, max int, timeout *time.Duration) (int, error)

	// SetCompletionFDEnabled enables delivery of completion
	// notifications through an event file descriptor, one token per
	// completion batch. CompletionFD returns -1 until enabled.
	SetCompletionFDEnabled(enabled bool) error
	CompletionFD() int
}

// Registry maps driver names to Driver factories. The zero value is not
// usable; call NewRegistry. Registration is explicit: callers compose the
// registry they want instead of relying on package init side effects.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver, replacing any previous driver of the same name.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// Open creates a device from the named driver.
func (r *Registry) Open(name string) (Device, error) {
	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return d.Open()
}

// Names returns the registered driver names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}
