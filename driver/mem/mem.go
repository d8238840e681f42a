// Package mem provides a RAM-backed blkio driver. It services every
// request at submission time, which makes it deterministic enough for
// tests and fast enough for loopback benchmarks of the engine itself.
package mem

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/ehrlich-b/go-blkio/driver"
	"golang.org/x/sys/unix"
)

// Driver opens RAM-backed devices. Register it under its name "mem".
type Driver struct{}

// New returns the mem driver.
func New() *Driver {
	return &Driver{}
}

// Name implements driver.Driver
func (*Driver) Name() string {
	return "mem"
}

// Open implements driver.Driver
func (*Driver) Open() (driver.Device, error) {
	return &device{}, nil
}

type devState int

const (
	stateUnconnected devState = iota
	stateConnected
	stateStarted
	stateDestroyed
)

// device is one RAM device instance. It intentionally has no "direct"
// property: O_DIRECT-style hints mean nothing for memory, and the engine
// must tolerate that.
type device struct {
	mu sync.Mutex

	state    devState
	capacity uint64
	readOnly bool

	numQueues     int
	numPollQueues int

	data []byte
	q    *ioQueue
}

// SetBool implements driver.Device
func (d *device) SetBool(name string, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case "read-only":
		d.readOnly = value
		return nil
	default:
		return driver.ErrNoSuchProperty
	}
}

// SetInt implements driver.Device
func (d *device) SetInt(name string, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case "num-queues":
		d.numQueues = value
		return nil
	case "num-poll-queues":
		d.numPollQueues = value
		return nil
	default:
		return driver.ErrNoSuchProperty
	}
}

// SetStr implements driver.Device. This is the entry point the property
// mini-language goes through, so every supported property has a string
// form.
func (d *device) SetStr(name, value string) error {
	switch name {
	case "capacity":
		size, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("capacity %q: %w", value, err)
		}
		d.mu.Lock()
		d.capacity = uint64(size)
		d.mu.Unlock()
		return nil
	case "read-only":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("read-only %q: %w", value, err)
		}
		return d.SetBool(name, b)
	case "num-queues", "num-poll-queues":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s %q: %w", name, value, err)
		}
		return d.SetInt(name, n)
	default:
		return driver.ErrNoSuchProperty
	}
}

// GetUint64 implements driver.Device
func (d *device) GetUint64(name string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case "capacity":
		return d.capacity, nil
	case "mem-region-alignment":
		return uint64(os.Getpagesize()), nil
	default:
		return 0, driver.ErrNoSuchProperty
	}
}

// Connect implements driver.Device
func (d *device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateUnconnected {
		return fmt.Errorf("connect in state %d", d.state)
	}
	if d.capacity == 0 {
		return fmt.Errorf("capacity property is required")
	}

	d.data = make([]byte, d.capacity)
	d.state = stateConnected
	return nil
}

// Start implements driver.Device
func (d *device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateConnected {
		return fmt.Errorf("start in state %d", d.state)
	}
	if d.numQueues+d.numPollQueues != 1 {
		return fmt.Errorf("exactly one queue must be configured (num-queues=%d num-poll-queues=%d)",
			d.numQueues, d.numPollQueues)
	}

	d.q = &ioQueue{dev: d, completed: queue.New(), eventFD: -1}
	d.state = stateStarted
	return nil
}

// Queue implements driver.Device
func (d *device) Queue(i int) (driver.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateStarted || d.numQueues < 1 || i != 0 {
		return nil, fmt.Errorf("no standard queue %d", i)
	}
	return d.q, nil
}

// PollQueue implements driver.Device
func (d *device) PollQueue(i int) (driver.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateStarted || d.numPollQueues < 1 || i != 0 {
		return nil, fmt.Errorf("no poll queue %d", i)
	}
	return d.q, nil
}

// AllocMemRegion implements driver.Device. The arena comes from an
// anonymous mapping so it is page-aligned, matching the reported
// mem-region-alignment.
func (d *device) AllocMemRegion(size uint64) (driver.MemRegion, error) {
	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return driver.MemRegion{}, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return driver.MemRegion{Buf: buf, FD: -1}, nil
}

// MapMemRegion implements driver.Device. Memory needs no pinning here;
// registration is bookkeeping only.
func (d *device) MapMemRegion(r driver.MemRegion) error {
	if len(r.Buf) == 0 {
		return fmt.Errorf("empty memory region")
	}
	return nil
}

// UnmapMemRegion implements driver.Device
func (d *device) UnmapMemRegion(r driver.MemRegion) {}

// FreeMemRegion implements driver.Device
func (d *device) FreeMemRegion(r driver.MemRegion) {
	if len(r.Buf) > 0 {
		unix.Munmap(r.Buf)
	}
}

// Destroy implements driver.Device
func (d *device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateDestroyed {
		return
	}
	if d.q != nil && d.q.eventFD >= 0 {
		unix.Close(d.q.eventFD)
		d.q.eventFD = -1
	}
	d.data = nil
	d.state = stateDestroyed
}

// ioQueue services requests synchronously at submission; completion
// records wait in a FIFO until DoIO drains them.
type ioQueue struct {
	dev *device

	mu        sync.Mutex
	completed *queue.Queue
	eventFD   int
}

func (q *ioQueue) finish(userData uint64, ret int32) {
	q.mu.Lock()
	q.completed.Add(driver.Completion{UserData: userData, Ret: ret})
	fd := q.eventFD
	q.mu.Unlock()

	if fd >= 0 {
		var token [8]byte
		token[0] = 1
		unix.Write(fd, token[:])
	}
}

// checkRange validates an extent against the device capacity. The two
// comparisons cannot overflow, so an offset near MaxUint64 still fails.
func (q *ioQueue) checkRange(offset, length uint64) int32 {
	capacity := q.dev.capacity
	if offset > capacity || length > capacity-offset {
		return -int32(unix.EINVAL)
	}
	return 0
}

// Read implements driver.Queue
func (q *ioQueue) Read(offset uint64, buf []byte, userData uint64) {
	if ret := q.checkRange(offset, uint64(len(buf))); ret != 0 {
		q.finish(userData, ret)
		return
	}
	q.dev.mu.Lock()
	copy(buf, q.dev.data[offset:offset+uint64(len(buf))])
	q.dev.mu.Unlock()
	q.finish(userData, 0)
}

// Write implements driver.Queue
func (q *ioQueue) Write(offset uint64, buf []byte, userData uint64) {
	q.finish(userData, q.writeAt(offset, buf))
}

func (q *ioQueue) writeAt(offset uint64, buf []byte) int32 {
	if q.dev.readOnly {
		return -int32(unix.EROFS)
	}
	if ret := q.checkRange(offset, uint64(len(buf))); ret != 0 {
		return ret
	}
	q.dev.mu.Lock()
	copy(q.dev.data[offset:offset+uint64(len(buf))], buf)
	q.dev.mu.Unlock()
	return 0
}

// Readv implements driver.Queue
func (q *ioQueue) Readv(offset uint64, iov []unix.Iovec, userData uint64) {
	for _, v := range iov {
		buf := unsafe.Slice(v.Base, v.Len)
		if ret := q.checkRange(offset, uint64(len(buf))); ret != 0 {
			q.finish(userData, ret)
			return
		}
		q.dev.mu.Lock()
		copy(buf, q.dev.data[offset:offset+uint64(len(buf))])
		q.dev.mu.Unlock()
		offset += uint64(len(buf))
	}
	q.finish(userData, 0)
}

// Writev implements driver.Queue
func (q *ioQueue) Writev(offset uint64, iov []unix.Iovec, userData uint64) {
	for _, v := range iov {
		buf := unsafe.Slice(v.Base, v.Len)
		if ret := q.writeAt(offset, buf); ret != 0 {
			q.finish(userData, ret)
			return
		}
		offset += uint64(len(buf))
	}
	q.finish(userData, 0)
}

// WriteZeroes implements driver.Queue
func (q *ioQueue) WriteZeroes(offset, length uint64, userData uint64) {
	q.finish(userData, q.zeroRange(offset, length))
}

// Discard implements driver.Queue. Discarded ranges read back as zeroes.
func (q *ioQueue) Discard(offset, length uint64, userData uint64) {
	q.finish(userData, q.zeroRange(offset, length))
}

func (q *ioQueue) zeroRange(offset, length uint64) int32 {
	if q.dev.readOnly {
		return -int32(unix.EROFS)
	}
	if ret := q.checkRange(offset, length); ret != 0 {
		return ret
	}
	q.dev.mu.Lock()
	for i := offset; i < offset+length; i++ {
		q.dev.data[i] = 0
	}
	q.dev.mu.Unlock()
	return 0
}

// Flush implements driver.Queue. Memory has no stable storage to sync.
func (q *ioQueue) Flush(userData uint64) {
	q.finish(userData, 0)
}

// DoIO implements driver.Queue. Every request completed at submission,
// so draining never waits; asking for more than was submitted cannot be
// satisfied and is reported instead of dead-locked on.
func (q *ioQueue) DoIO(out []driver.Completion, min, max int, timeout *time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < max && q.completed.Length() > 0 {
		out[n] = q.completed.Remove().(driver.Completion)
		n++
	}
	if n < min {
		return n, fmt.Errorf("requested min %d completions but only %d requests were in flight", min, n)
	}
	return n, nil
}

// SetCompletionFDEnabled implements driver.Queue
func (q *ioQueue) SetCompletionFDEnabled(enabled bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !enabled {
		if q.eventFD >= 0 {
			unix.Close(q.eventFD)
			q.eventFD = -1
		}
		return nil
	}
	if q.eventFD >= 0 {
		return nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}
	q.eventFD = fd
	return nil
}

// CompletionFD implements driver.Queue
func (q *ioQueue) CompletionFD() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eventFD
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	return num * multiplier, nil
}

// Compile-time interface checks
var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Device = (*device)(nil)
	_ driver.Queue  = (*ioQueue)(nil)
)
