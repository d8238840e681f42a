package blkio

import (
	"github.com/ehrlich-b/go-blkio/driver"
	"github.com/ehrlich-b/go-blkio/internal/constants"
)

// Region is one memory region registered with the engine's device. The
// allocated flag records provenance: self-allocated regions are freed at
// release, caller-owned regions are only unregistered.
type Region struct {
	mem       driver.MemRegion
	allocated bool
}

// Buf returns the registered span. For a self-allocated region this is
// the engine-owned arena the harness carves per-operation buffers from.
func (r *Region) Buf() []byte {
	return r.mem.Buf
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// AllocRegion allocates and registers a buffer arena of at least size
// bytes, rounded up to the driver's reported alignment. The engine owns
// the backing storage and frees it on release. At most one region may be
// held at a time.
func (e *Engine) AllocRegion(size uint64) (*Region, error) {
	if e.region != nil {
		return nil, NewConfigError("alloc-region", "a memory region is already registered")
	}

	alignment, err := e.dev.GetUint64(constants.PropMemRegionAlignment)
	if err != nil {
		return nil, NewBackendError("get-alignment", e.cfg.Driver, err)
	}

	size = alignUp(size, alignment)

	mem, err := e.dev.AllocMemRegion(size)
	if err != nil {
		return nil, NewBackendError("alloc-mem-region", e.cfg.Driver, err)
	}

	if err := e.dev.MapMemRegion(mem); err != nil {
		// No orphaned allocation on a failed map.
		e.dev.FreeMemRegion(mem)
		return nil, NewBackendError("map-mem-region", e.cfg.Driver, err)
	}

	e.region = &Region{mem: mem, allocated: true}
	e.log.Debug("memory region allocated", "size", size, "alignment", alignment)
	return e.region, nil
}

// RegisterRegion registers a caller-owned span as the engine's memory
// region. The engine never frees caller-owned memory; release only
// unregisters it.
func (e *Engine) RegisterRegion(buf []byte) (*Region, error) {
	if e.region != nil {
		return nil, NewConfigError("register-region", "a memory region is already registered")
	}

	mem := driver.MemRegion{Buf: buf, FD: -1}
	if err := e.dev.MapMemRegion(mem); err != nil {
		return nil, NewBackendError("map-mem-region", e.cfg.Driver, err)
	}

	e.region = &Region{mem: mem, allocated: false}
	e.log.Debug("external memory region registered", "size", len(buf))
	return e.region, nil
}

// releaseRegion unmaps the held region and, for self-allocated regions,
// frees the backing storage. No-op when nothing is held.
func (e *Engine) releaseRegion() {
	if e.region == nil {
		return
	}

	e.dev.UnmapMemRegion(e.region.mem)
	if e.region.allocated {
		e.dev.FreeMemRegion(e.region.mem)
	}
	e.region = nil
}

// ReleaseRegion is the public form of releaseRegion for harnesses that
// manage region lifetime separately from engine teardown. Idempotent.
func (e *Engine) ReleaseRegion() {
	e.releaseRegion()
}
