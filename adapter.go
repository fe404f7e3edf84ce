package usbcan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handle identifies an opened device. Its value is driver defined.
type Handle uint64

// DeviceConfig selects the physical device to open.
type DeviceConfig struct {
	Type     uint32 // vendor device type, 4 is USBCAN-2A
	Index    uint32
	Channels []int
}

// Driver is the boundary to the native adapter library. Implementations
// only have to be safe for one transmit and one receive call in flight on
// different goroutines against the same handle.
//
// Transmit may accept fewer frames than offered. A zero count without an
// error means the bus is not ready and is not a failure. Receive returns at
// most max frames and may return none; waiting up to wait for the first one.
type Driver interface {
	Open(ctx context.Context, dev DeviceConfig) (Handle, error)
	Init(h Handle, channel int, cfg ChannelConfig) error
	Start(h Handle, channel int) error
	Transmit(h Handle, channel int, frames []Frame) (int, error)
	Receive(h Handle, channel int, max int, wait time.Duration) ([]Frame, error)
	Close(h Handle) error
}

type DriverInfo struct {
	Name               string
	Description        string
	Channels           int
	RequiresSerialPort bool
	New                func(*DriverConfig) (Driver, error)
}

func (d *DriverInfo) String() string {
	return fmt.Sprintf("%s | %s, channels: %d, requires serial port: %v", d.Name, d.Description, d.Channels, d.RequiresSerialPort)
}

// DriverConfig carries the driver specific knobs that are not part of the
// per channel init block.
type DriverConfig struct {
	Port         string
	PortBaudrate int
	Logger       logrus.FieldLogger
}

var (
	driverMu  sync.RWMutex
	driverMap = make(map[string]*DriverInfo)
)

// RegisterDriver makes a driver available by name, drivers call it from
// init().
func RegisterDriver(info *DriverInfo) error {
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, found := driverMap[info.Name]; found {
		return fmt.Errorf("driver %s already registered", info.Name)
	}
	driverMap[info.Name] = info
	return nil
}

func NewDriver(name string, cfg *DriverConfig) (Driver, error) {
	driverMu.RLock()
	info, found := driverMap[name]
	driverMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	if cfg == nil {
		cfg = &DriverConfig{}
	}
	if cfg.Logger == nil {
		cfg.Logger = newLogger()
	}
	return info.New(cfg)
}

func ListDriverNames() []string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	return sortedDriverNames()
}

func ListDrivers() []DriverInfo {
	driverMu.RLock()
	defer driverMu.RUnlock()
	var out []DriverInfo
	for _, name := range sortedDriverNames() {
		out = append(out, *driverMap[name])
	}
	return out
}

func sortedDriverNames() []string {
	out := make([]string, 0, len(driverMap))
	for name := range driverMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}
