package usbcan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrUnknownBaudRate  = errors.New("unknown baud rate")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrTimeout          = errors.New("timeout")
	ErrQueueClosed      = errors.New("queue closed")
	ErrAlreadyStarted   = errors.New("controller already started")
	ErrNotStarted       = errors.New("controller not started")
	ErrUnknownChannel   = errors.New("channel not configured")
	ErrUnknownDriver    = errors.New("unknown driver")
	ErrDeviceNotPresent = errors.New("device not present")
)

// DeviceError is returned by drivers when a native call reports failure.
type DeviceError struct {
	Op      string
	Handle  Handle
	Channel int // -1 for device scoped calls
	Code    int
	Err     error
}

func (e *DeviceError) Error() string {
	var where string
	if e.Channel < 0 {
		where = fmt.Sprintf("handle %d", e.Handle)
	} else {
		where = fmt.Sprintf("handle %d channel %d", e.Handle, e.Channel)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed on %s (code %d): %v", e.Op, where, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed on %s (code %d)", e.Op, where, e.Code)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError is a helper for driver implementations.
func NewDeviceError(op string, h Handle, channel, code int, err error) *DeviceError {
	return &DeviceError{Op: op, Handle: h, Channel: channel, Code: code, Err: err}
}

// IsDeviceError reports whether err wraps a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// asDeviceError makes sure errors coming out of a driver carry the call
// context even when the driver returned a plain error.
func asDeviceError(err error, op string, h Handle, channel int) error {
	if err == nil || IsDeviceError(err) {
		return err
	}
	return &DeviceError{Op: op, Handle: h, Channel: channel, Code: -1, Err: err}
}

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}
