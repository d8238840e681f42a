//go:build linux
// +build linux

// Package iouring provides a file- and block-device-backed blkio driver
// built on io_uring. One ring per queue; completions are reaped from the
// ring's completion queue, optionally signalled through an eventfd.
package iouring

import (
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blkio/driver"
)

const (
	// FALLOC_FL flags for Discard and WriteZeroes. x/sys/unix carries
	// these on linux only.
	fallocPunchHole = unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	fallocZeroRange = unix.FALLOC_FL_ZERO_RANGE
)

// Driver opens io_uring devices over regular files and block devices.
type Driver struct{}

// New returns the io_uring driver.
func New() *Driver {
	return &Driver{}
}

// Name implements driver.Driver
func (*Driver) Name() string {
	return "io_uring"
}

// Open implements driver.Driver
func (*Driver) Open() (driver.Device, error) {
	return &device{fd: -1}, nil
}

type devState int

const (
	stateUnconnected devState = iota
	stateConnected
	stateStarted
	stateDestroyed
)

type device struct {
	state devState

	path     string
	direct   bool
	readOnly bool

	numQueues     int
	numPollQueues int
	queueDepth    int

	fd       int
	capacity uint64

	q *ringQueue
}

// SetBool implements driver.Device
func (d *device) SetBool(name string, value bool) error {
	switch name {
	case "direct":
		d.direct = value
		return nil
	case "read-only":
		d.readOnly = value
		return nil
	default:
		return driver.ErrNoSuchProperty
	}
}

// SetInt implements driver.Device
func (d *device) SetInt(name string, value int) error {
	switch name {
	case "num-queues":
		d.numQueues = value
		return nil
	case "num-poll-queues":
		d.numPollQueues = value
		return nil
	case "queue-depth":
		d.queueDepth = value
		return nil
	default:
		return driver.ErrNoSuchProperty
	}
}

// SetStr implements driver.Device
func (d *device) SetStr(name, value string) error {
	switch name {
	case "path":
		d.path = value
		return nil
	case "direct", "read-only":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s %q", name, value)
		}
		return d.SetBool(name, b)
	case "num-queues", "num-poll-queues", "queue-depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "%s %q", name, value)
		}
		return d.SetInt(name, n)
	default:
		return driver.ErrNoSuchProperty
	}
}

// GetUint64 implements driver.Device
func (d *device) GetUint64(name string) (uint64, error) {
	switch name {
	case "capacity":
		if d.state < stateConnected {
			return 0, errors.New("capacity is unknown before connect")
		}
		return d.capacity, nil
	case "mem-region-alignment":
		// O_DIRECT transfers must be aligned to the logical block size;
		// 4096 satisfies every block device we care about.
		if d.direct {
			return 4096, nil
		}
		return 512, nil
	default:
		return 0, driver.ErrNoSuchProperty
	}
}

// Connect implements driver.Device. It opens the target and probes its
// size, so capacity is readable afterwards.
func (d *device) Connect() error {
	if d.state != stateUnconnected {
		return errors.Errorf("connect in state %d", d.state)
	}
	if d.path == "" {
		return errors.New("path property is required")
	}

	flags := unix.O_RDWR
	if d.readOnly {
		flags = unix.O_RDONLY
	}
	if d.direct {
		flags |= unix.O_DIRECT
	}

	fd, err := unix.Open(d.path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", d.path)
	}

	capacity, err := probeCapacity(fd)
	if err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "probe capacity of %s", d.path)
	}

	d.fd = fd
	d.capacity = capacity
	d.state = stateConnected
	return nil
}

// probeCapacity returns the byte size of the open target: st_size for
// regular files, BLKGETSIZE64 for block devices.
func probeCapacity(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		var size uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
			unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			return 0, errno
		}
		return size, nil
	}
	return uint64(st.Size), nil
}

// Start implements driver.Device
func (d *device) Start() error {
	if d.state != stateConnected {
		return errors.Errorf("start in state %d", d.state)
	}
	if d.numQueues+d.numPollQueues != 1 {
		return errors.Errorf("exactly one queue must be configured (num-queues=%d num-poll-queues=%d)",
			d.numQueues, d.numPollQueues)
	}

	depth := d.queueDepth
	if depth <= 0 {
		depth = 128
	}

	ring, err := giouring.CreateRing(uint32(depth))
	if err != nil {
		return errors.Wrap(err, "create ring")
	}

	d.q = &ringQueue{
		dev:     d,
		ring:    ring,
		poll:    d.numPollQueues == 1,
		cqes:    make([]*giouring.CompletionQueueEvent, depth),
		eventFD: -1,
	}
	d.state = stateStarted
	return nil
}

// Queue implements driver.Device
func (d *device) Queue(i int) (driver.Queue, error) {
	if d.state != stateStarted || d.numQueues < 1 || i != 0 {
		return nil, errors.Errorf("no standard queue %d", i)
	}
	return d.q, nil
}

// PollQueue implements driver.Device
func (d *device) PollQueue(i int) (driver.Queue, error) {
	if d.state != stateStarted || d.numPollQueues < 1 || i != 0 {
		return nil, errors.Errorf("no poll queue %d", i)
	}
	return d.q, nil
}

// AllocMemRegion implements driver.Device
func (d *device) AllocMemRegion(size uint64) (driver.MemRegion, error) {
	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return driver.MemRegion{}, errors.Wrapf(err, "mmap %d bytes", size)
	}
	return driver.MemRegion{Buf: buf, FD: -1}, nil
}

// MapMemRegion implements driver.Device. io_uring reads buffers straight
// from user memory, so mapping is bookkeeping only.
func (d *device) MapMemRegion(r driver.MemRegion) error {
	if len(r.Buf) == 0 {
		return errors.New("empty memory region")
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
	if d.state == stateDestroyed {
		return
	}
	if d.q != nil {
		if d.q.eventFD >= 0 {
			d.q.ring.UnregisterEventFd(d.q.eventFD)
			unix.Close(d.q.eventFD)
			d.q.eventFD = -1
		}
		d.q.ring.QueueExit()
		d.q = nil
	}
	if d.fd >= 0 {
		unix.Close(d.fd)
		d.fd = -1
	}
	d.state = stateDestroyed
}

// ringQueue is the single I/O queue of a device, backed by one io_uring
// instance. Submissions go to the SQ immediately; DoIO drains the CQ.
type ringQueue struct {
	dev  *device
	ring *giouring.Ring

	// poll queues never park in the kernel; DoIO busy-peeks the CQ.
	poll bool

	cqes    []*giouring.CompletionQueueEvent
	eventFD int

	// failed holds synthetic completions for requests that could not be
	// pushed onto the ring, so they still surface through DoIO.
	failed []driver.Completion
}

func (q *ringQueue) push(userData uint64, prep func(sqe *giouring.SubmissionQueueEntry)) {
	sqe := q.ring.GetSQE()
	if sqe == nil {
		// SQ full. Flush pending entries and retry once.
		q.ring.Submit()
		sqe = q.ring.GetSQE()
	}
	if sqe == nil {
		q.failed = append(q.failed, driver.Completion{
			UserData: userData,
			Ret:      -int32(unix.EAGAIN),
		})
		return
	}
	prep(sqe)
	sqe.UserData = userData
	q.ring.Submit()
}

// Read implements driver.Queue
func (q *ringQueue) Read(offset uint64, buf []byte, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(q.dev.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
	})
}

// Write implements driver.Queue
func (q *ringQueue) Write(offset uint64, buf []byte, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWrite(q.dev.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
	})
}

// Readv implements driver.Queue
func (q *ringQueue) Readv(offset uint64, iov []unix.Iovec, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareReadv(q.dev.fd, uintptr(unsafe.Pointer(&iov[0])), uint32(len(iov)), offset)
	})
}

// Writev implements driver.Queue
func (q *ringQueue) Writev(offset uint64, iov []unix.Iovec, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWritev(q.dev.fd, uintptr(unsafe.Pointer(&iov[0])), uint32(len(iov)), offset)
	})
}

// WriteZeroes implements driver.Queue
func (q *ringQueue) WriteZeroes(offset, length uint64, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFallocate(q.dev.fd, fallocZeroRange, offset, length)
	})
}

// Discard implements driver.Queue. Punching a hole deallocates the range
// and makes it read back as zeroes, the closest file analogue of a block
// discard.
func (q *ringQueue) Discard(offset, length uint64, userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFallocate(q.dev.fd, fallocPunchHole, offset, length)
	})
}

// Flush implements driver.Queue
func (q *ringQueue) Flush(userData uint64) {
	q.push(userData, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(q.dev.fd, 0)
	})
}

// DoIO implements driver.Queue
func (q *ringQueue) DoIO(out []driver.Completion, min, max int, timeout *time.Duration) (int, error) {
	n := 0

	// Synthetic failures first; they never reached the ring.
	for n < max && len(q.failed) > 0 {
		out[n] = q.failed[0]
		q.failed = q.failed[1:]
		n++
	}

	n += q.drain(out[n:max])

	for n < min {
		if q.poll {
			n += q.drain(out[n:max])
			continue
		}
		want := uint32(min - n)
		var ts *syscall.Timespec
		if timeout != nil {
			t := syscall.NsecToTimespec(timeout.Nanoseconds())
			ts = &t
		}
		if _, err := q.ring.WaitCQEs(want, ts, nil); err != nil {
			if err == syscall.ETIME || err == syscall.EINTR {
				return n, nil
			}
			return n, errors.Wrap(err, "wait cqes")
		}
		n += q.drain(out[n:max])
	}
	return n, nil
}

// drain moves whatever sits in the completion queue into out without
// waiting.
func (q *ringQueue) drain(out []driver.Completion) int {
	if len(out) == 0 {
		return 0
	}
	cqes := q.cqes
	if len(out) < len(cqes) {
		cqes = cqes[:len(out)]
	}
	got := q.ring.PeekBatchCQE(cqes)
	for i := uint32(0); i < got; i++ {
		ret := cqes[i].Res
		// Successful transfers report bytes moved; the harness contract
		// is zero for success, negative errno for failure.
		if ret > 0 {
			ret = 0
		}
		out[i] = driver.Completion{UserData: cqes[i].UserData, Ret: ret}
	}
	q.ring.CQAdvance(got)
	return int(got)
}

// SetCompletionFDEnabled implements driver.Queue
func (q *ringQueue) SetCompletionFDEnabled(enabled bool) error {
	if !enabled {
		if q.eventFD >= 0 {
			q.ring.UnregisterEventFd(q.eventFD)
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
		return errors.Wrap(err, "eventfd")
	}
	if _, err := q.ring.RegisterEventFd(fd); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "register eventfd")
	}
	q.eventFD = fd
	return nil
}

// CompletionFD implements driver.Queue
func (q *ringQueue) CompletionFD() int {
	return q.eventFD
}

// Compile-time interface checks
var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Device = (*device)(nil)
	_ driver.Queue  = (*ringQueue)(nil)
)
