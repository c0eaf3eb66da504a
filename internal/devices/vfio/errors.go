//go:build linux

package vfio

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrConfig is wrapped by every configuration validation failure.
	ErrConfig = errors.New("vfio: invalid configuration")
	// ErrShortTransfer reports a positioned config access that moved fewer
	// bytes than requested.
	ErrShortTransfer = errors.New("vfio: short config space transfer")
	// ErrNotReady is returned by operations that need a constructed device.
	ErrNotReady = errors.New("vfio: device is not ready")
)

// Error describes a failed interaction with the host kernel.
type Error struct {
	Op   string
	Path string
	// Index is the region or interrupt index involved, or -1.
	Index int
	Err   error
}

func (e *Error) Error() string {
	msg := "vfio: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Index >= 0 {
		msg += " index " + strconv.Itoa(e.Index)
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Index: -1, Err: err}
}

func indexError(op string, index int, err error) error {
	return &Error{Op: op, Index: index, Err: err}
}

// ConsistencyError is the panic value raised when the kernel or hardware
// breaks an assumption the bridge relies on.
type ConsistencyError struct {
	What string
	Err  error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return "vfio: consistency violation: " + e.What + ": " + e.Err.Error()
	}
	return "vfio: consistency violation: " + e.What
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

func assertf(err error, format string, args ...any) {
	panic(&ConsistencyError{What: fmt.Sprintf(format, args...), Err: err})
}
