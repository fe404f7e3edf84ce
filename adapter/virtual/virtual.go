// Package virtual is an in-memory stand-in for a dual channel USB-CAN
// adapter. All channels of one device share a bus: a frame sent on a started
// channel is delivered to every other started channel, and back to the
// sender when it runs in loopback mode. Each channel has a fixed size
// receive FIFO that silently drops frames once full, like the hardware.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canrelay/usbcan"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChannels     = 2
	DefaultFIFOCapacity = 2000
)

// Error codes reported in usbcan.DeviceError.Code.
const (
	CodeNotOpen = iota + 1
	CodeBadChannel
	CodeNotInitialized
	CodeNotStarted
	CodeListenOnly
	CodeBusy
)

var (
	ErrNotOpen        = errors.New("device not open")
	ErrBadChannel     = errors.New("no such channel")
	ErrNotInitialized = errors.New("channel not initialized")
	ErrNotStarted     = errors.New("channel not started")
	ErrListenOnly     = errors.New("channel is listen-only")
	ErrBusy           = errors.New("device already open")
)

func init() {
	if err := usbcan.RegisterDriver(&usbcan.DriverInfo{
		Name:        "virtual",
		Description: "in-memory dual channel adapter",
		Channels:    DefaultChannels,
		New: func(cfg *usbcan.DriverConfig) (usbcan.Driver, error) {
			return New(WithLogger(cfg.Logger)), nil
		},
	}); err != nil {
		panic(err)
	}
}

type channel struct {
	cfg         usbcan.ChannelConfig
	initialized bool
	started     bool
	fifo        []usbcan.Frame
	dropped     uint64
	ready       chan struct{}
}

type device struct {
	index    uint32
	opened   time.Time
	channels []*channel
}

// Driver implements usbcan.Driver.
type Driver struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	channels int
	capacity int
	devices  map[usbcan.Handle]*device
	next     usbcan.Handle

	// absent makes Open fail this many times before succeeding, to exercise
	// block-until-present.
	absent int
}

type Option func(*Driver)

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

func WithChannels(n int) Option {
	return func(d *Driver) {
		d.channels = n
	}
}

func WithFIFOCapacity(n int) Option {
	return func(d *Driver) {
		d.capacity = n
	}
}

// WithAbsentFor makes the first n Open calls fail with
// usbcan.ErrDeviceNotPresent.
func WithAbsentFor(n int) Option {
	return func(d *Driver) {
		d.absent = n
	}
}

func New(opts ...Option) *Driver {
	d := &Driver{
		log:      usbcan.DiscardLogger(),
		channels: DefaultChannels,
		capacity: DefaultFIFOCapacity,
		devices:  make(map[usbcan.Handle]*device),
		next:     1,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Open(ctx context.Context, dev usbcan.DeviceConfig) (usbcan.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent > 0 {
		d.absent--
		return 0, usbcan.NewDeviceError("open", 0, -1, 0, usbcan.ErrDeviceNotPresent)
	}
	for h, existing := range d.devices {
		if existing.index == dev.Index {
			return 0, usbcan.NewDeviceError("open", h, -1, CodeBusy, ErrBusy)
		}
	}
	for _, ch := range dev.Channels {
		if ch < 0 || ch >= d.channels {
			return 0, usbcan.NewDeviceError("open", 0, ch, CodeBadChannel, ErrBadChannel)
		}
	}
	dv := &device{index: dev.Index, opened: time.Now()}
	for i := 0; i < d.channels; i++ {
		dv.channels = append(dv.channels, &channel{ready: make(chan struct{}, 1)})
	}
	h := d.next
	d.next++
	d.devices[h] = dv
	d.log.WithFields(logrus.Fields{"handle": h, "index": dev.Index}).Debug("virtual device opened")
	return h, nil
}

// lookup must be called with d.mu held.
func (d *Driver) lookup(op string, h usbcan.Handle, ch int) (*device, *channel, error) {
	dv, ok := d.devices[h]
	if !ok {
		return nil, nil, usbcan.NewDeviceError(op, h, ch, CodeNotOpen, ErrNotOpen)
	}
	if ch < 0 || ch >= len(dv.channels) {
		return nil, nil, usbcan.NewDeviceError(op, h, ch, CodeBadChannel, ErrBadChannel)
	}
	return dv, dv.channels[ch], nil
}

func (d *Driver) Init(h usbcan.Handle, ch int, cfg usbcan.ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, err := d.lookup("init", h, ch)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.initialized = true
	c.started = false
	c.fifo = c.fifo[:0]
	return nil
}

func (d *Driver) Start(h usbcan.Handle, ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, err := d.lookup("start", h, ch)
	if err != nil {
		return err
	}
	if !c.initialized {
		return usbcan.NewDeviceError("start", h, ch, CodeNotInitialized, ErrNotInitialized)
	}
	c.started = true
	return nil
}

// Transmit puts every frame on the shared bus. Sending never fails part way,
// a receiver with a full FIFO just loses the frame.
func (d *Driver) Transmit(h usbcan.Handle, ch int, frames []usbcan.Frame) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dv, c, err := d.lookup("transmit", h, ch)
	if err != nil {
		return 0, err
	}
	if !c.started {
		return 0, usbcan.NewDeviceError("transmit", h, ch, CodeNotStarted, ErrNotStarted)
	}
	if c.cfg.Mode == usbcan.ModeListenOnly {
		return 0, usbcan.NewDeviceError("transmit", h, ch, CodeListenOnly, ErrListenOnly)
	}
	for _, f := range frames {
		for i, dst := range dv.channels {
			if !dst.started {
				continue
			}
			if i == ch && c.cfg.Mode != usbcan.ModeLoopback {
				continue
			}
			if i != ch && c.cfg.Mode == usbcan.ModeLoopback {
				continue
			}
			dv.deliver(i, dst, f, d.capacity)
		}
	}
	return len(frames), nil
}

func (dv *device) deliver(idx int, dst *channel, f usbcan.Frame, capacity int) {
	if !dst.cfg.Accepts(f) {
		return
	}
	if len(dst.fifo) >= capacity {
		dst.dropped++
		return
	}
	ts := uint32(time.Since(dv.opened) / (100 * time.Microsecond))
	opts := []usbcan.FrameOpt{usbcan.WithTimestamp(ts)}
	if f.Extended() {
		opts = append(opts, usbcan.WithExtended())
	}
	if f.Remote() {
		opts = append(opts, usbcan.WithRemote())
	}
	rx, err := usbcan.NewFrame(f.ID(), f.Data(), opts...)
	if err != nil {
		return
	}
	dst.fifo = append(dst.fifo, rx)
	select {
	case dst.ready <- struct{}{}:
	default:
	}
}

// Receive pops up to max frames, waiting up to wait for the first one.
func (d *Driver) Receive(h usbcan.Handle, ch int, max int, wait time.Duration) ([]usbcan.Frame, error) {
	d.mu.Lock()
	_, c, err := d.lookup("receive", h, ch)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if !c.started {
		d.mu.Unlock()
		return nil, usbcan.NewDeviceError("receive", h, ch, CodeNotStarted, ErrNotStarted)
	}
	if len(c.fifo) == 0 && wait > 0 {
		ready := c.ready
		d.mu.Unlock()
		select {
		case <-ready:
		case <-time.After(wait):
		}
		d.mu.Lock()
		if _, c, err = d.lookup("receive", h, ch); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	defer d.mu.Unlock()
	n := len(c.fifo)
	if max >= 0 && n > max {
		n = max
	}
	out := make([]usbcan.Frame, n)
	copy(out, c.fifo[:n])
	c.fifo = append(c.fifo[:0], c.fifo[n:]...)
	return out, nil
}

func (d *Driver) Close(h usbcan.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[h]; !ok {
		return usbcan.NewDeviceError("close", h, -1, CodeNotOpen, ErrNotOpen)
	}
	delete(d.devices, h)
	d.log.WithField("handle", h).Debug("virtual device closed")
	return nil
}

// Dropped reports how many frames a channel's FIFO has lost.
func (d *Driver) Dropped(h usbcan.Handle, ch int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, err := d.lookup("dropped", h, ch)
	if err != nil {
		return 0, err
	}
	return c.dropped, nil
}

// Pending reports the number of frames waiting in a channel's FIFO.
func (d *Driver) Pending(h usbcan.Handle, ch int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, err := d.lookup("pending", h, ch)
	if err != nil {
		return 0, err
	}
	return len(c.fifo), nil
}

func (d *Driver) String() string {
	return fmt.Sprintf("virtual(%d channels, fifo %d)", d.channels, d.capacity)
}

var _ usbcan.Driver = (*Driver)(nil)
