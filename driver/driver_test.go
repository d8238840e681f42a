package driver

import (
	"errors"
	"sort"
	"testing"
)

type stubDriver struct {
	name    string
	openErr error
	opened  int
}

func (d *stubDriver) Name() string { return d.name }

func (d *stubDriver) Open() (Device, error) {
	d.opened++
	return nil, d.openErr
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a := &stubDriver{name: "a"}
	b := &stubDriver{name: "b"}
	reg.Register(a)
	reg.Register(b)

	names := reg.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v, want [a b]", names)
	}

	if _, err := reg.Open("a"); err != nil {
		t.Errorf("Open(a) error = %v", err)
	}
	if a.opened != 1 {
		t.Errorf("driver a opened %d times, want 1", a.opened)
	}

	if _, err := reg.Open("missing"); err == nil {
		t.Error("Open(missing) succeeded, want error")
	}
}

func TestRegistryPropagatesOpenError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register(&stubDriver{name: "broken", openErr: boom})

	if _, err := reg.Open("broken"); !errors.Is(err, boom) {
		t.Errorf("Open(broken) error = %v, want %v", err, boom)
	}
}
