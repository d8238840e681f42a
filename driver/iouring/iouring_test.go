//go:build linux
// +build linux

package iouring

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/go-blkio/driver"
)

func openFileDevice(t *testing.T, size int64) (driver.Device, driver.Queue) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}
	f.Close()

	dev, err := New().Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.SetStr("path", path); err != nil {
		t.Fatalf("SetStr(path) error = %v", err)
	}
	if err := dev.SetInt("num-queues", 1); err != nil {
		t.Fatalf("SetInt(num-queues) error = %v", err)
	}
	if err := dev.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Skipf("io_uring unavailable: %v", err)
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

func TestConnectRequiresPath(t *testing.T) {
	dev, err := New().Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Connect(); err == nil {
		t.Error("Connect() without path succeeded, want error")
	}
}

func TestCapacityFromFile(t *testing.T) {
	dev, _ := openFileDevice(t, 1<<20)

	got, err := dev.GetUint64("capacity")
	if err != nil {
		t.Fatalf("GetUint64(capacity) error = %v", err)
	}
	if got != 1<<20 {
		t.Errorf("capacity = %d, want %d", got, 1<<20)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, q := openFileDevice(t, 1<<20)

	data := bytes.Repeat([]byte{0xCD}, 4096)
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

func TestCompletionFDRegisterCycle(t *testing.T) {
	dev, q := openFileDevice(t, 1<<20)

	if err := q.SetCompletionFDEnabled(true); err != nil {
		t.Fatalf("SetCompletionFDEnabled(true) error = %v", err)
	}
	if q.CompletionFD() < 0 {
		t.Fatal("CompletionFD() < 0 after enabling")
	}

	// Disabling must unregister the descriptor from the ring before
	// closing it, and the queue must stay usable afterwards.
	if err := q.SetCompletionFDEnabled(false); err != nil {
		t.Fatalf("SetCompletionFDEnabled(false) error = %v", err)
	}
	if q.CompletionFD() != -1 {
		t.Errorf("CompletionFD() = %d after disabling, want -1", q.CompletionFD())
	}

	q.Flush(3)
	if c := reapOne(t, q); c.UserData != 3 || c.Ret != 0 {
		t.Fatalf("flush completion = %+v", c)
	}

	// Destroy with an enabled descriptor exercises the teardown side.
	if err := q.SetCompletionFDEnabled(true); err != nil {
		t.Fatalf("re-enable error = %v", err)
	}
	dev.Destroy()
}
