package mem

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blkio/driver"
)

func openStarted(t *testing.T, props map[string]string) (driver.Device, driver.Queue) {
	t.Helper()

	dev, err := New().Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for name, value := range props {
		if err := dev.SetStr(name, value); err != nil {
			t.Fatalf("SetStr(%q, %q) error = %v", name, value, err)
		}
	}
	if err := dev.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	q, err := dev.Queue(0)
	if err != nil {
		t.Fatalf("Queue(0) error = %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev, q
}

func reapOne(t *testing.T, q driver.Queue) driver.Completion {
	t.Helper()

	var out [1]driver.Completion
	n, err := q.DoIO(out[:], 1, 1, nil)
	if err != nil {
		t.Fatalf("DoIO() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DoIO() = %d, want 1", n)
	}
	return out[0]
}

func TestConnectRequiresCapacity(t *testing.T) {
	dev, err := New().Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Connect(); err == nil {
		t.Error("Connect() without capacity succeeded, want error")
	}
}

func TestDirectPropertyUnsupported(t *testing.T) {
	dev, err := New().Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.SetBool("direct", true); !errors.Is(err, driver.ErrNoSuchProperty) {
		t.Errorf("SetBool(direct) error = %v, want ErrNoSuchProperty", err)
	}
}

func TestCapacitySuffixes(t *testing.T) {
	tests := []struct {
		value string
		want  uint64
	}{
		{"4096", 4096},
		{"64K", 64 * 1024},
		{"16M", 16 * 1024 * 1024},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		dev, _ := New().Open()
		if err := dev.SetStr("capacity", tt.value); err != nil {
			t.Errorf("SetStr(capacity, %q) error = %v", tt.value, err)
			continue
		}
		got, err := dev.GetUint64("capacity")
		if err != nil {
			t.Errorf("GetUint64(capacity) error = %v", err)
			continue
		}
		if got != tt.want {
			t.Errorf("capacity %q = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "64K",
		"num-queues": "1",
	})

	data := bytes.Repeat([]byte{0xAB}, 4096)
	q.Write(8192, data, 1)
	if c := reapOne(t, q); c.UserData != 1 || c.Ret != 0 {
		t.Fatalf("write completion = %+v", c)
	}

	got := make([]byte, 4096)
	q.Read(8192, got, 2)
	if c := reapOne(t, q); c.UserData != 2 || c.Ret != 0 {
		t.Fatalf("read completion = %+v", c)
	}
	if !bytes.Equal(got, data) {
		t.Error("read data does not match written data")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "64K",
		"read-only":  "true",
		"num-queues": "1",
	})

	q.Write(0, make([]byte, 512), 7)
	c := reapOne(t, q)
	if c.Ret != -int32(unix.EROFS) {
		t.Errorf("write on read-only device Ret = %d, want %d", c.Ret, -int32(unix.EROFS))
	}

	q.WriteZeroes(0, 512, 8)
	if c := reapOne(t, q); c.Ret != -int32(unix.EROFS) {
		t.Errorf("write-zeroes on read-only device Ret = %d, want %d", c.Ret, -int32(unix.EROFS))
	}
}

func TestOutOfRangeFails(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "4096",
		"num-queues": "1",
	})

	q.Read(4096, make([]byte, 512), 3)
	c := reapOne(t, q)
	if c.Ret != -int32(unix.EINVAL) {
		t.Errorf("out-of-range read Ret = %d, want %d", c.Ret, -int32(unix.EINVAL))
	}

	// An offset near MaxUint64 must fail the same way, not wrap the
	// bounds check and panic.
	q.Read(math.MaxUint64-511, make([]byte, 512), 4)
	if c := reapOne(t, q); c.Ret != -int32(unix.EINVAL) {
		t.Errorf("wrapping read Ret = %d, want %d", c.Ret, -int32(unix.EINVAL))
	}

	q.WriteZeroes(math.MaxUint64-4095, 8192, 5)
	if c := reapOne(t, q); c.Ret != -int32(unix.EINVAL) {
		t.Errorf("wrapping write-zeroes Ret = %d, want %d", c.Ret, -int32(unix.EINVAL))
	}
}

func TestDiscardZeroesRange(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "64K",
		"num-queues": "1",
	})

	q.Write(0, bytes.Repeat([]byte{0xFF}, 1024), 1)
	reapOne(t, q)
	q.Discard(0, 1024, 2)
	if c := reapOne(t, q); c.Ret != 0 {
		t.Fatalf("discard completion Ret = %d", c.Ret)
	}

	got := make([]byte, 1024)
	q.Read(0, got, 3)
	reapOne(t, q)
	if !bytes.Equal(got, make([]byte, 1024)) {
		t.Error("discarded range did not read back as zeroes")
	}
}

func TestDoIOMinExceedsInFlight(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "4096",
		"num-queues": "1",
	})

	var out [4]driver.Completion
	if _, err := q.DoIO(out[:], 1, 4, nil); err == nil {
		t.Error("DoIO(min=1) with nothing in flight succeeded, want error")
	}
}

func TestCompletionFDSignalled(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "4096",
		"num-queues": "1",
	})

	if err := q.SetCompletionFDEnabled(true); err != nil {
		t.Fatalf("SetCompletionFDEnabled() error = %v", err)
	}
	fd := q.CompletionFD()
	if fd < 0 {
		t.Fatal("CompletionFD() < 0 after enabling")
	}

	q.Flush(9)
	var token [8]byte
	n, err := unix.Read(fd, token[:])
	if err != nil {
		t.Fatalf("eventfd read error = %v", err)
	}
	if n != 8 {
		t.Fatalf("eventfd read = %d bytes, want 8", n)
	}
	reapOne(t, q)
}

func TestPollQueueSelection(t *testing.T) {
	dev, _ := New().Open()
	dev.SetStr("capacity", "4096")
	dev.SetInt("num-poll-queues", 1)
	if err := dev.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer dev.Destroy()

	if _, err := dev.Queue(0); err == nil {
		t.Error("Queue(0) succeeded with only a poll queue configured")
	}
	if _, err := dev.PollQueue(0); err != nil {
		t.Errorf("PollQueue(0) error = %v", err)
	}
}

func TestDoIOTimeoutIgnoredWhenSatisfied(t *testing.T) {
	_, q := openStarted(t, map[string]string{
		"capacity":   "4096",
		"num-queues": "1",
	})

	q.Flush(1)
	timeout := time.Millisecond
	var out [1]driver.Completion
	n, err := q.DoIO(out[:], 1, 1, &timeout)
	if err != nil {
		t.Fatalf("DoIO() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DoIO() = %d, want 1", n)
	}
}
