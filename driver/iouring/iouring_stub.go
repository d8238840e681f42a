//go:build !linux
// +build !linux

// Package iouring provides a file- and block-device-backed blkio driver
// built on io_uring. It is only functional on linux.
package iouring

import (
	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-blkio/driver"
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
	return nil, errors.New("io_uring driver requires linux")
}

var _ driver.Driver = (*Driver)(nil)
