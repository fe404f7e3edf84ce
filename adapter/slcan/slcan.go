// Package slcan drives Lawicel CANUSB and CANable style adapters that speak
// the ASCII SLCAN protocol over a serial port. These adapters expose a
// single CAN channel, index 0.
package slcan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/canrelay/usbcan"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultPortBaudrate = 115200
	DefaultRxCapacity   = 4096

	readTimeout = 10 * time.Millisecond
	cr          = '\r'
	bell        = 0x07
)

// Error codes reported in usbcan.DeviceError.Code.
const (
	CodeNotOpen = iota + 1
	CodeBadChannel
	CodeNotStarted
	CodeUnsupported
	CodeIO
	CodeBusy
)

var (
	ErrNotOpen     = errors.New("port not open")
	ErrBadChannel  = errors.New("slcan adapters have a single channel")
	ErrNotStarted  = errors.New("channel not started")
	ErrUnsupported = errors.New("not supported by slcan")
	ErrBusy        = errors.New("port already open")
)

func init() {
	if err := usbcan.RegisterDriver(&usbcan.DriverInfo{
		Name:               "slcan",
		Description:        "Lawicel/CANable SLCAN serial adapter",
		Channels:           1,
		RequiresSerialPort: true,
		New: func(cfg *usbcan.DriverConfig) (usbcan.Driver, error) {
			if cfg.Port == "" {
				return nil, fmt.Errorf("%w: slcan needs a serial port", usbcan.ErrInvalidConfig)
			}
			return New(cfg.Port, cfg.PortBaudrate, cfg.Logger), nil
		},
	}); err != nil {
		panic(err)
	}
}

// port is the part of serial.Port the driver uses.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type openFunc func(name string, mode *serial.Mode) (port, error)

func openSerial(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Driver implements usbcan.Driver on top of a serial port.
type Driver struct {
	log      logrus.FieldLogger
	portName string
	baudrate int
	open     openFunc

	mu      sync.Mutex // guards port writes and state below
	port    port
	handle  usbcan.Handle
	cfg     usbcan.ChannelConfig
	started bool
	closed  chan struct{}
	wg      sync.WaitGroup

	rxMu     sync.Mutex
	rx       []usbcan.Frame
	rxCap    int
	ready    chan struct{}
	dropped  uint64
	bells    uint64
	readErr  error
	statusCh chan Status
}

func New(portName string, baudrate int, log logrus.FieldLogger) *Driver {
	if baudrate == 0 {
		baudrate = DefaultPortBaudrate
	}
	if log == nil {
		log = usbcan.DiscardLogger()
	}
	return &Driver{
		log:      log.WithField("port", portName),
		portName: portName,
		baudrate: baudrate,
		open:     openSerial,
		rxCap:    DefaultRxCapacity,
	}
}

func (d *Driver) Open(ctx context.Context, dev usbcan.DeviceConfig) (usbcan.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, ch := range dev.Channels {
		if ch != 0 {
			return 0, usbcan.NewDeviceError("open", 0, ch, CodeBadChannel, ErrBadChannel)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return 0, usbcan.NewDeviceError("open", d.handle, -1, CodeBusy, ErrBusy)
	}
	mode := &serial.Mode{
		BaudRate: d.baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := d.open(d.portName, mode)
	if err != nil {
		return 0, usbcan.NewDeviceError("open", 0, -1, CodeIO, fmt.Errorf("%w: %s: %v", usbcan.ErrDeviceNotPresent, d.portName, err))
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return 0, usbcan.NewDeviceError("open", 0, -1, CodeIO, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		d.log.WithError(err).Debug("input buffer not reset")
	}
	// clear anything half typed and make sure the channel is closed
	if _, err := p.Write([]byte("\r\r\rC\r")); err != nil {
		p.Close()
		return 0, usbcan.NewDeviceError("open", 0, -1, CodeIO, err)
	}

	d.port = p
	d.handle++
	d.started = false
	d.closed = make(chan struct{})
	d.rx = d.rx[:0]
	d.readErr = nil
	d.ready = make(chan struct{}, 1)
	d.statusCh = make(chan Status, 1)
	d.wg.Add(1)
	go d.recvManager(p, d.closed)
	return d.handle, nil
}

// check must be called with d.mu held.
func (d *Driver) check(op string, h usbcan.Handle, ch int) error {
	if d.port == nil || h != d.handle {
		return usbcan.NewDeviceError(op, h, ch, CodeNotOpen, ErrNotOpen)
	}
	if ch != 0 {
		return usbcan.NewDeviceError(op, h, ch, CodeBadChannel, ErrBadChannel)
	}
	return nil
}

func (d *Driver) command(op string, h usbcan.Handle, cmd string) error {
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return usbcan.NewDeviceError(op, h, 0, CodeIO, err)
	}
	return nil
}

var bitrateCommands = map[int]string{
	10:   "S0",
	20:   "S1",
	50:   "S2",
	100:  "S3",
	125:  "S4",
	250:  "S5",
	500:  "S6",
	800:  "S7",
	1000: "S8",
}

// Init programs the bitrate and acceptance filter. Standard rates use the
// Sn commands, anything else is written as raw BTR0/BTR1.
func (d *Driver) Init(h usbcan.Handle, ch int, cfg usbcan.ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("init", h, ch); err != nil {
		return err
	}
	if cfg.Mode == usbcan.ModeLoopback {
		return usbcan.NewDeviceError("init", h, ch, CodeUnsupported, fmt.Errorf("%w: loopback mode", ErrUnsupported))
	}
	cmds := []string{"C", bitrateCommand(cfg)}
	if cfg.Filter != usbcan.FilterOff {
		cmds = append(cmds,
			fmt.Sprintf("M%08X", cfg.AcceptanceCode),
			fmt.Sprintf("m%08X", cfg.AcceptanceMask),
		)
	}
	for _, c := range cmds {
		if err := d.command("init", h, c); err != nil {
			return err
		}
	}
	d.cfg = cfg
	d.started = false
	return nil
}

func bitrateCommand(cfg usbcan.ChannelConfig) string {
	if c, ok := bitrateCommands[cfg.Baud]; ok {
		return c
	}
	return fmt.Sprintf("s%02X%02X", cfg.Timing.Timing0, cfg.Timing.Timing1)
}

func (d *Driver) Start(h usbcan.Handle, ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("start", h, ch); err != nil {
		return err
	}
	cmd := "O"
	if d.cfg.Mode == usbcan.ModeListenOnly {
		cmd = "L"
	}
	if err := d.command("start", h, cmd); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Transmit writes one record per frame. On a write error it reports how
// many frames made it to the adapter together with the error.
func (d *Driver) Transmit(h usbcan.Handle, ch int, frames []usbcan.Frame) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("transmit", h, ch); err != nil {
		return 0, err
	}
	if !d.started {
		return 0, usbcan.NewDeviceError("transmit", h, ch, CodeNotStarted, ErrNotStarted)
	}
	if d.cfg.Mode == usbcan.ModeListenOnly {
		return 0, usbcan.NewDeviceError("transmit", h, ch, CodeUnsupported, fmt.Errorf("%w: transmit in listen-only mode", ErrUnsupported))
	}
	buf := make([]byte, 0, 32)
	for i, f := range frames {
		buf = encodeFrame(buf[:0], f)
		if _, err := d.port.Write(buf); err != nil {
			return i, usbcan.NewDeviceError("transmit", h, ch, CodeIO, err)
		}
	}
	return len(frames), nil
}

// Receive returns up to max parsed frames, waiting up to wait for the first
// one. A read error of the port is reported once.
func (d *Driver) Receive(h usbcan.Handle, ch int, max int, wait time.Duration) ([]usbcan.Frame, error) {
	d.mu.Lock()
	err := d.check("receive", h, ch)
	ready := d.ready
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	d.rxMu.Lock()
	if len(d.rx) == 0 && wait > 0 && d.readErr == nil {
		d.rxMu.Unlock()
		select {
		case <-ready:
		case <-time.After(wait):
		}
		d.rxMu.Lock()
	}
	defer d.rxMu.Unlock()
	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return nil, usbcan.NewDeviceError("receive", h, ch, CodeIO, err)
	}
	n := len(d.rx)
	if max >= 0 && n > max {
		n = max
	}
	out := make([]usbcan.Frame, n)
	copy(out, d.rx[:n])
	d.rx = append(d.rx[:0], d.rx[n:]...)
	return out, nil
}

func (d *Driver) Close(h usbcan.Handle) error {
	d.mu.Lock()
	if d.port == nil || h != d.handle {
		d.mu.Unlock()
		return usbcan.NewDeviceError("close", h, -1, CodeNotOpen, ErrNotOpen)
	}
	p := d.port
	_, werr := p.Write([]byte("C\r"))
	close(d.closed)
	d.port = nil
	d.started = false
	d.mu.Unlock()

	d.wg.Wait()
	if err := p.Close(); err != nil {
		return usbcan.NewDeviceError("close", h, -1, CodeIO, err)
	}
	if werr != nil {
		d.log.WithError(werr).Debug("close command not written")
	}
	return nil
}

// Status asks the adapter for its status flags.
func (d *Driver) Status(ctx context.Context, h usbcan.Handle) (Status, error) {
	d.mu.Lock()
	if err := d.check("status", h, 0); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	statusCh := d.statusCh
	err := d.command("status", h, "F")
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	select {
	case st := <-statusCh:
		return st, nil
	case <-ctx.Done():
		return 0, usbcan.NewDeviceError("status", h, 0, CodeIO, ctx.Err())
	}
}

// Dropped is the number of frames lost because Receive was not called
// often enough.
func (d *Driver) Dropped() uint64 {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.dropped
}

func (d *Driver) recvManager(p port, closed <-chan struct{}) {
	defer d.wg.Done()
	defer d.log.Debug("slcan recvManager done")
	var line []byte
	readBuf := make([]byte, 64)
	for {
		select {
		case <-closed:
			return
		default:
		}
		n, err := p.Read(readBuf)
		if err != nil {
			select {
			case <-closed:
			default:
				d.rxMu.Lock()
				d.readErr = fmt.Errorf("read %s: %w", d.portName, err)
				d.rxMu.Unlock()
				d.signal()
			}
			return
		}
		line = d.parse(line, readBuf[:n])
	}
}

// parse consumes raw bytes and returns the unfinished tail.
func (d *Driver) parse(line, data []byte) []byte {
	for _, b := range data {
		switch b {
		case bell:
			d.rxMu.Lock()
			d.bells++
			d.rxMu.Unlock()
			d.log.Debug("adapter rejected command")
			line = line[:0]
		case cr:
			if len(line) > 0 {
				d.handleLine(line)
			}
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
	return line
}

func (d *Driver) handleLine(line []byte) {
	switch line[0] {
	case 't', 'T', 'r', 'R':
		f, err := decodeFrame(line)
		if err != nil {
			d.log.WithError(err).Warnf("bad record %q", line)
			return
		}
		d.rxMu.Lock()
		if len(d.rx) >= d.rxCap {
			d.dropped++
			d.rxMu.Unlock()
			return
		}
		d.rx = append(d.rx, f)
		d.rxMu.Unlock()
		d.signal()
	case 'F':
		st, err := parseStatus(line)
		if err != nil {
			d.log.WithError(err).Warnf("bad status %q", line)
			return
		}
		select {
		case d.statusCh <- st:
		default:
		}
	case 'z', 'Z':
		// transmit acknowledged
	default:
		d.log.Debugf("unhandled reply %q", line)
	}
}

func (d *Driver) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// encodeFrame appends the SLCAN record for f:
// t/r + 3 hex id or T/R + 8 hex id, the length nibble, the data as hex and CR.
func encodeFrame(buf []byte, f usbcan.Frame) []byte {
	kind := byte('t')
	digits := 3
	if f.Extended() {
		kind = 'T'
		digits = 8
	}
	if f.Remote() {
		kind -= 't' - 'r'
	}
	buf = append(buf, kind)
	id := f.ID()
	for i := digits - 1; i >= 0; i-- {
		buf = append(buf, nybbleToHex(byte(id>>(uint(i)*4))&0xF))
	}
	buf = append(buf, nybbleToHex(byte(f.Length())))
	for _, b := range f.Data() {
		buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
	}
	return append(buf, cr)
}

func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func decodeFrame(line []byte) (usbcan.Frame, error) {
	var opts []usbcan.FrameOpt
	digits := 3
	switch line[0] {
	case 'T':
		digits = 8
		opts = append(opts, usbcan.WithExtended())
	case 'r':
		opts = append(opts, usbcan.WithRemote())
	case 'R':
		digits = 8
		opts = append(opts, usbcan.WithExtended(), usbcan.WithRemote())
	}
	if len(line) < 2+digits {
		return usbcan.Frame{}, fmt.Errorf("record too short")
	}
	id, err := strconv.ParseUint(string(line[1:1+digits]), 16, 32)
	if err != nil {
		return usbcan.Frame{}, fmt.Errorf("failed to decode identifier: %v", err)
	}
	dlc, err := strconv.ParseUint(string(line[1+digits:2+digits]), 16, 8)
	if err != nil {
		return usbcan.Frame{}, fmt.Errorf("failed to decode data length: %v", err)
	}
	if dlc > usbcan.MaxDataLength {
		return usbcan.Frame{}, fmt.Errorf("invalid data length: %d", dlc)
	}
	rest := line[2+digits:]
	var data []byte
	if line[0] == 't' || line[0] == 'T' {
		if len(rest) < int(dlc)*2 {
			return usbcan.Frame{}, fmt.Errorf("record shorter than data length %d", dlc)
		}
		data = make([]byte, dlc)
		for i := range data {
			v, err := strconv.ParseUint(string(rest[i*2:i*2+2]), 16, 8)
			if err != nil {
				return usbcan.Frame{}, fmt.Errorf("failed to decode frame body: %v", err)
			}
			data[i] = byte(v)
		}
		rest = rest[dlc*2:]
	}
	// adapters with timestamps enabled append 4 hex digits of milliseconds
	if len(rest) == 4 {
		ts, err := strconv.ParseUint(string(rest), 16, 16)
		if err == nil {
			opts = append(opts, usbcan.WithTimestamp(uint32(ts)))
		}
	}
	return usbcan.NewFrame(uint32(id), data, opts...)
}

var _ usbcan.Driver = (*Driver)(nil)
