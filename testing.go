package blkio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-blkio/driver"
	"golang.org/x/sys/unix"
)

// FakeDriver is a scripted in-process driver for testing engines and
// harnesses without a real backend. Every device it opens completes
// requests instantly at submission and records each queue call for
// verification.
type FakeDriver struct {
	// DriverName is the registry name; defaults to "fake".
	DriverName string

	// Capacity reported by GetUint64("capacity").
	Capacity uint64

	// Alignment reported by GetUint64("mem-region-alignment").
	// Defaults to 4096.
	Alignment uint64

	// HasDirect controls whether SetBool("direct") is accepted or
	// answered with driver.ErrNoSuchProperty.
	HasDirect bool

	// ConnectErr and StartErr, when set, fail the matching phase.
	ConnectErr error
	StartErr   error

	// Results maps an operation tag to the completion result that the
	// fake queue will report for it. Unlisted tags complete with 0.
	Results map[uint64]int32

	mu      sync.Mutex
	devices []*FakeDevice
}

// NewFakeDriver returns a fake driver with a 64MB capacity and 4KB
// alignment.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		DriverName: "fake",
		Capacity:   64 << 20,
		Alignment:  4096,
		Results:    make(map[uint64]int32),
	}
}

// Name implements driver.Driver
func (d *FakeDriver) Name() string {
	if d.DriverName == "" {
		return "fake"
	}
	return d.DriverName
}

// Open implements driver.Driver
func (d *FakeDriver) Open() (driver.Device, error) {
	dev := &FakeDevice{
		drv:   d,
		Bools: make(map[string]bool),
		Ints:  make(map[string]int),
		Strs:  make(map[string]string),
	}
	d.mu.Lock()
	d.devices = append(d.devices, dev)
	d.mu.Unlock()
	return dev, nil
}

// Devices returns every device opened so far, including destroyed ones.
func (d *FakeDriver) Devices() []*FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeDevice, len(d.devices))
	copy(out, d.devices)
	return out
}

// FakeDevice is one scripted device instance. Exported fields record
// everything the engine did to it.
type FakeDevice struct {
	drv *FakeDriver

	Bools map[string]bool
	Ints  map[string]int
	Strs  map[string]string

	Connected bool
	Started   bool
	Destroyed bool

	AllocCalls int
	MapCalls   int
	UnmapCalls int
	FreeCalls  int
	Mapped     bool

	queue *FakeQueue
}

// SetBool implements driver.Device
func (d *FakeDevice) SetBool(name string, value bool) error {
	if name == "direct" && !d.drv.HasDirect {
		return driver.ErrNoSuchProperty
	}
	d.Bools[name] = value
	return nil
}

// SetInt implements driver.Device
func (d *FakeDevice) SetInt(name string, value int) error {
	d.Ints[name] = value
	return nil
}

// SetStr implements driver.Device
func (d *FakeDevice) SetStr(name, value string) error {
	d.Strs[name] = value
	return nil
}

// GetUint64 implements driver.Device
func (d *FakeDevice) GetUint64(name string) (uint64, error) {
	switch name {
	case "capacity":
		return d.drv.Capacity, nil
	case "mem-region-alignment":
		if d.drv.Alignment == 0 {
			return 4096, nil
		}
		return d.drv.Alignment, nil
	default:
		return 0, driver.ErrNoSuchProperty
	}
}

// Connect implements driver.Device
func (d *FakeDevice) Connect() error {
	if d.drv.ConnectErr != nil {
		return d.drv.ConnectErr
	}
	d.Connected = true
	return nil
}

// Start implements driver.Device
func (d *FakeDevice) Start() error {
	if d.drv.StartErr != nil {
		return d.drv.StartErr
	}
	if !d.Connected {
		return fmt.Errorf("start before connect")
	}
	d.Started = true
	d.queue = &FakeQueue{dev: d, eventFD: -1}
	return nil
}

// Queue implements driver.Device
func (d *FakeDevice) Queue(i int) (driver.Queue, error) {
	if !d.Started || d.Ints["num-queues"] < 1 {
		return nil, fmt.Errorf("no standard queue %d", i)
	}
	return d.queue, nil
}

// PollQueue implements driver.Device
func (d *FakeDevice) PollQueue(i int) (driver.Queue, error) {
	if !d.Started || d.Ints["num-poll-queues"] < 1 {
		return nil, fmt.Errorf("no poll queue %d", i)
	}
	return d.queue, nil
}

// AllocMemRegion implements driver.Device
func (d *FakeDevice) AllocMemRegion(size uint64) (driver.MemRegion, error) {
	d.AllocCalls++
	return driver.MemRegion{Buf: make([]byte, size), FD: -1}, nil
}

// MapMemRegion implements driver.Device
func (d *FakeDevice) MapMemRegion(r driver.MemRegion) error {
	d.MapCalls++
	d.Mapped = true
	return nil
}

// UnmapMemRegion implements driver.Device
func (d *FakeDevice) UnmapMemRegion(r driver.MemRegion) {
	d.UnmapCalls++
	d.Mapped = false
}

// FreeMemRegion implements driver.Device
func (d *FakeDevice) FreeMemRegion(r driver.MemRegion) {
	d.FreeCalls++
}

// Destroy implements driver.Device
func (d *FakeDevice) Destroy() {
	if d.Destroyed {
		return
	}
	d.Destroyed = true
	if d.queue != nil && d.queue.eventFD >= 0 {
		unix.Close(d.queue.eventFD)
		d.queue.eventFD = -1
	}
}

// Submission records one queue call.
type Submission struct {
	Kind     string // "read", "readv", "write", "writev", "write-zeroes", "discard", "flush"
	Offset   uint64
	Length   uint64
	NrVecs   int
	UserData uint64
}

// FakeQueue completes every request instantly and keeps the completion
// records until DoIO drains them.
type FakeQueue struct {
	dev *FakeDevice

	Submissions []Submission

	pending []driver.Completion
	eventFD int
}

func (q *FakeQueue) complete(s Submission) {
	q.Submissions = append(q.Submissions, s)
	ret := q.dev.drv.Results[s.UserData]
	q.pending = append(q.pending, driver.Completion{UserData: s.UserData, Ret: ret})
	if q.eventFD >= 0 {
		var token [8]byte
		token[0] = 1
		unix.Write(q.eventFD, token[:])
	}
}

// Read implements driver.Queue
func (q *FakeQueue) Read(offset uint64, buf []byte, userData uint64) {
	q.complete(Submission{Kind: "read", Offset: offset, Length: uint64(len(buf)), UserData: userData})
}

// Write implements driver.Queue
func (q *FakeQueue) Write(offset uint64, buf []byte, userData uint64) {
	q.complete(Submission{Kind: "write", Offset: offset, Length: uint64(len(buf)), UserData: userData})
}

// Readv implements driver.Queue
func (q *FakeQueue) Readv(offset uint64, iov []unix.Iovec, userData uint64) {
	q.complete(Submission{Kind: "readv", Offset: offset, Length: iovLen(iov), NrVecs: len(iov), UserData: userData})
}

// Writev implements driver.Queue
func (q *FakeQueue) Writev(offset uint64, iov []unix.Iovec, userData uint64) {
	q.complete(Submission{Kind: "writev", Offset: offset, Length: iovLen(iov), NrVecs: len(iov), UserData: userData})
}

// WriteZeroes implements driver.Queue
func (q *FakeQueue) WriteZeroes(offset, length uint64, userData uint64) {
	q.complete(Submission{Kind: "write-zeroes", Offset: offset, Length: length, UserData: userData})
}

// Discard implements driver.Queue
func (q *FakeQueue) Discard(offset, length uint64, userData uint64) {
	q.complete(Submission{Kind: "discard", Offset: offset, Length: length, UserData: userData})
}

// Flush implements driver.Queue
func (q *FakeQueue) Flush(userData uint64) {
	q.complete(Submission{Kind: "flush", UserData: userData})
}

// DoIO implements driver.Queue. Requests complete at submission, so the
// drain just moves records out of the pending list; min can never exceed
// what was submitted without being a caller bug, which is reported rather
// than dead-locked on.
func (q *FakeQueue) DoIO(out []driver.Completion, min, max int, timeout *time.Duration) (int, error) {
	avail := q.pending
	if len(avail) > max {
		avail = avail[:max]
	}
	n := copy(out, avail)
	q.pending = q.pending[n:]
	if n < min {
		return n, fmt.Errorf("requested min %d but only %d requests were in flight", min, n)
	}
	return n, nil
}

// SetCompletionFDEnabled implements driver.Queue
func (q *FakeQueue) SetCompletionFDEnabled(enabled bool) error {
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
func (q *FakeQueue) CompletionFD() int {
	return q.eventFD
}

func iovLen(iov []unix.Iovec) uint64 {
	var total uint64
	for _, v := range iov {
		total += uint64(v.Len)
	}
	return total
}

// Compile-time interface checks
var (
	_ driver.Driver = (*FakeDriver)(nil)
	_ driver.Device = (*FakeDevice)(nil)
	_ driver.Queue  = (*FakeQueue)(nil)
)
