package usbcan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	MaxDataLength = 8

	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
)

// Frame is a single CAN message. The zero value is a standard data frame
// with id 0 and no payload.
//
// Frames are values: the payload lives in a fixed array so a Frame can be
// copied freely and compared with ==.
type Frame struct {
	id        uint32
	data      [MaxDataLength]byte
	length    uint8
	timestamp uint32
	timeFlag  bool
	sendOnce  bool
	remote    bool
	extended  bool
}

type FrameOpt func(*Frame)

// WithTimestamp attaches a hardware timestamp and sets the time flag.
// Timestamps are only meaningful on received frames.
func WithTimestamp(ts uint32) FrameOpt {
	return func(f *Frame) {
		f.timestamp = ts
		f.timeFlag = true
	}
}

// WithSendOnce controls automatic retransmission by the adapter. Frames
// default to send once.
func WithSendOnce(once bool) FrameOpt {
	return func(f *Frame) {
		f.sendOnce = once
	}
}

func WithRemote() FrameOpt {
	return func(f *Frame) {
		f.remote = true
	}
}

func WithExtended() FrameOpt {
	return func(f *Frame) {
		f.extended = true
	}
}

// NewFrame builds a frame from already encoded payload bytes. The data is
// copied. It fails with ErrInvalidFrame when the payload is longer than
// eight bytes, when the identifier does not fit the selected id space or
// when a remote frame carries data.
func NewFrame(id uint32, data []byte, opts ...FrameOpt) (Frame, error) {
	f := Frame{id: id, sendOnce: true}
	for _, o := range opts {
		o(&f)
	}
	if len(data) > MaxDataLength {
		return Frame{}, fmt.Errorf("%w: data length %d exceeds %d", ErrInvalidFrame, len(data), MaxDataLength)
	}
	limit := MaxStandardID
	if f.extended {
		limit = MaxExtendedID
	}
	if id > limit {
		return Frame{}, fmt.Errorf("%w: identifier 0x%X out of range (max 0x%X)", ErrInvalidFrame, id, limit)
	}
	if f.remote && len(data) > 0 {
		return Frame{}, fmt.Errorf("%w: remote frame 0x%X carries %d data bytes", ErrInvalidFrame, id, len(data))
	}
	f.length = uint8(copy(f.data[:], data))
	return f, nil
}

// MustFrame is like NewFrame but panics on error. Intended for constants
// and tests.
func MustFrame(id uint32, data []byte, opts ...FrameOpt) Frame {
	f, err := NewFrame(id, data, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) ID() uint32 { return f.id }

// Length is the authoritative payload length, always in [0,8].
func (f Frame) Length() int { return int(f.length) }

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	out := make([]byte, f.length)
	copy(out, f.data[:f.length])
	return out
}

// Timestamp returns the hardware timestamp and whether it is valid.
func (f Frame) Timestamp() (uint32, bool) { return f.timestamp, f.timeFlag }

func (f Frame) SendOnce() bool { return f.sendOnce }
func (f Frame) Remote() bool   { return f.remote }
func (f Frame) Extended() bool { return f.extended }

func (f Frame) idString() string {
	if f.extended {
		return fmt.Sprintf("0x%08X", f.id)
	}
	return fmt.Sprintf("0x%03X", f.id)
}

func (f Frame) kind() string {
	var out strings.Builder
	if f.extended {
		out.WriteString("ext")
	} else {
		out.WriteString("std")
	}
	if f.remote {
		out.WriteString(",rtr")
	}
	return out.String()
}

func (f Frame) hexView() string {
	var hexView strings.Builder
	for i, b := range f.data[:f.length] {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != int(f.length)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f Frame) String() string {
	var out strings.Builder
	out.WriteString(f.idString() + " || ")
	out.WriteString(f.kind() + " || ")
	out.WriteString(strconv.Itoa(int(f.length)) + " || ")
	out.WriteString(f.hexView())
	if f.timeFlag {
		out.WriteString(" || t=" + strconv.FormatUint(uint64(f.timestamp), 10))
	}
	return out.String()
}

var (
	blue  = color.New(color.FgHiBlue).SprintfFunc()
	red   = color.New(color.FgRed).SprintfFunc()
	green = color.New(color.FgGreen).SprintfFunc()
)

// ColorString is String with terminal colors, used by the monitor.
func (f Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("%s", f.idString()) + " || ")
	out.WriteString(f.kind() + " || ")
	out.WriteString(strconv.Itoa(int(f.length)) + " || ")
	out.WriteString(red("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(blue("%s", onlyPrintable(f.data[:f.length])))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString(".")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
