package usbcan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	DefaultBatchSize      = 1000
	DefaultBufferSize     = 5000
	DefaultDrainTimeout   = 2 * time.Second
	DefaultPollInterval   = 400 * time.Millisecond
	DefaultStopTimeout    = 5 * time.Second
	DefaultQueueSize      = 10000
	DefaultEventBuffer    = 100
	DefaultOpenAttempts   = 10
	DefaultOpenRetryDelay = time.Second

	DeviceTypeUSBCAN2A uint32 = 4
)

// ChannelSetup pairs a channel index with its init block.
type ChannelSetup struct {
	Index  int
	Config ChannelConfig
}

// Settings is the process level configuration handed to a Controller. It is
// copied at construction and not consulted for changes afterwards.
type Settings struct {
	Driver       string
	Port         string
	PortBaudrate int

	DeviceType        uint32
	DeviceIndex       uint32
	BlockUntilPresent bool
	OpenAttempts      uint
	OpenRetryDelay    time.Duration

	Channels []ChannelSetup

	BatchSize    int
	BufferSize   int
	DrainTimeout time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
	QueueSize    int
	EventBuffer  int

	Logger logrus.FieldLogger
}

func DefaultSettings() Settings {
	return Settings{
		DeviceType:     DeviceTypeUSBCAN2A,
		OpenAttempts:   DefaultOpenAttempts,
		OpenRetryDelay: DefaultOpenRetryDelay,
		BatchSize:      DefaultBatchSize,
		BufferSize:     DefaultBufferSize,
		DrainTimeout:   DefaultDrainTimeout,
		PollInterval:   DefaultPollInterval,
		StopTimeout:    DefaultStopTimeout,
		QueueSize:      DefaultQueueSize,
		EventBuffer:    DefaultEventBuffer,
	}
}

// ChannelIndexes returns the configured channels in bring-up order.
func (s Settings) ChannelIndexes() []int {
	out := make([]int, len(s.Channels))
	for i, c := range s.Channels {
		out[i] = c.Index
	}
	return out
}

// DeviceConfig returns what the driver needs to open the device.
func (s Settings) DeviceConfig() DeviceConfig {
	return DeviceConfig{Type: s.DeviceType, Index: s.DeviceIndex, Channels: s.ChannelIndexes()}
}

// Validate checks the settings and fills zero values with defaults.
func (s *Settings) Validate() error {
	def := DefaultSettings()
	if s.BatchSize == 0 {
		s.BatchSize = def.BatchSize
	}
	if s.BufferSize == 0 {
		s.BufferSize = def.BufferSize
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = def.DrainTimeout
	}
	if s.PollInterval == 0 {
		s.PollInterval = def.PollInterval
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = def.StopTimeout
	}
	if s.QueueSize == 0 {
		s.QueueSize = def.QueueSize
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = def.EventBuffer
	}
	if s.OpenAttempts == 0 {
		s.OpenAttempts = def.OpenAttempts
	}
	if s.OpenRetryDelay == 0 {
		s.OpenRetryDelay = def.OpenRetryDelay
	}
	switch {
	case s.BatchSize < 0:
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, s.BatchSize)
	case s.BufferSize < 0:
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, s.BufferSize)
	case s.QueueSize < 0:
		return fmt.Errorf("%w: queue size %d", ErrInvalidConfig, s.QueueSize)
	case s.DrainTimeout < 0, s.PollInterval < 0, s.StopTimeout < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	case len(s.Channels) == 0:
		return fmt.Errorf("%w: no channels configured", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(s.Channels))
	for _, c := range s.Channels {
		if c.Index < 0 {
			return fmt.Errorf("%w: channel index %d", ErrInvalidConfig, c.Index)
		}
		if seen[c.Index] {
			return fmt.Errorf("%w: channel %d configured twice", ErrInvalidConfig, c.Index)
		}
		seen[c.Index] = true
	}
	return nil
}

// LoadSettings reads settings from an ini source: a file name, []byte or
// io.Reader. Unset keys keep their defaults.
//
//	[device]
//	driver = virtual
//	index = 0
//	block_until_present = true
//
//	[pipeline]
//	batch_size = 1000
//	poll_interval = 400ms
//
//	[channel.0]
//	baud = 100
//	filter = all
//	acc_mask = 0xFFFFFFFF
func LoadSettings(source interface{}) (*Settings, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	s := DefaultSettings()

	dev := f.Section("device")
	s.Driver = dev.Key("driver").String()
	s.Port = dev.Key("port").String()
	if err := iniInt(dev, "port_baudrate", &s.PortBaudrate); err != nil {
		return nil, err
	}
	if err := iniUint32(dev, "type", &s.DeviceType); err != nil {
		return nil, err
	}
	if err := iniUint32(dev, "index", &s.DeviceIndex); err != nil {
		return nil, err
	}
	if dev.HasKey("block_until_present") {
		if s.BlockUntilPresent, err = dev.Key("block_until_present").Bool(); err != nil {
			return nil, fmt.Errorf("%w: device.block_until_present: %v", ErrInvalidConfig, err)
		}
	}
	var attempts int
	if err := iniInt(dev, "open_attempts", &attempts); err != nil {
		return nil, err
	}
	if attempts > 0 {
		s.OpenAttempts = uint(attempts)
	}
	if err := iniDuration(dev, "open_retry_delay", &s.OpenRetryDelay); err != nil {
		return nil, err
	}

	pipe := f.Section("pipeline")
	for key, dst := range map[string]*int{
		"batch_size":   &s.BatchSize,
		"buffer_size":  &s.BufferSize,
		"queue_size":   &s.QueueSize,
		"event_buffer": &s.EventBuffer,
	} {
		if err := iniInt(pipe, key, dst); err != nil {
			return nil, err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"drain_timeout": &s.DrainTimeout,
		"poll_interval": &s.PollInterval,
		"stop_timeout":  &s.StopTimeout,
	} {
		if err := iniDuration(pipe, key, dst); err != nil {
			return nil, err
		}
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "channel.") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "channel."))
		if err != nil {
			return nil, fmt.Errorf("%w: section %q: bad channel index", ErrInvalidConfig, name)
		}
		cfg, err := channelFromSection(sec)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", name, err)
		}
		s.Channels = append(s.Channels, ChannelSetup{Index: idx, Config: cfg})
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Index < s.Channels[j].Index })

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func channelFromSection(sec *ini.Section) (ChannelConfig, error) {
	var baud int
	if err := iniInt(sec, "baud", &baud); err != nil {
		return ChannelConfig{}, err
	}
	filter, err := ParseFilterMode(sec.Key("filter").String())
	if err != nil {
		return ChannelConfig{}, err
	}
	mode, err := ParseMode(sec.Key("mode").String())
	if err != nil {
		return ChannelConfig{}, err
	}
	code, mask := DefaultAcceptanceCode, DefaultAcceptanceMask
	if err := iniUint32(sec, "acc_code", &code); err != nil {
		return ChannelConfig{}, err
	}
	if err := iniUint32(sec, "acc_mask", &mask); err != nil {
		return ChannelConfig{}, err
	}
	var override *BitTiming
	if sec.HasKey("timing0") || sec.HasKey("timing1") {
		var t0, t1 uint32
		if err := iniUint32(sec, "timing0", &t0); err != nil {
			return ChannelConfig{}, err
		}
		if err := iniUint32(sec, "timing1", &t1); err != nil {
			return ChannelConfig{}, err
		}
		if t0 > 0xFF || t1 > 0xFF {
			return ChannelConfig{}, fmt.Errorf("%w: timing register out of range", ErrInvalidConfig)
		}
		override = &BitTiming{Timing0: uint8(t0), Timing1: uint8(t1)}
	}
	return BuildChannelConfig(baud, filter, mode, code, mask, override)
}

func iniInt(sec *ini.Section, key string, dst *int) error {
	if !sec.HasKey(key) {
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(sec.Key(key).String()), 0, 64)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, sec.Name(), key, err)
	}
	*dst = int(v)
	return nil
}

// iniUint32 accepts decimal and 0x prefixed hex.
func iniUint32(sec *ini.Section, key string, dst *uint32) error {
	if !sec.HasKey(key) {
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(sec.Key(key).String()), 0, 32)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, sec.Name(), key, err)
	}
	*dst = uint32(v)
	return nil
}

func iniDuration(sec *ini.Section, key string, dst *time.Duration) error {
	if !sec.HasKey(key) {
		return nil
	}
	v, err := sec.Key(key).Duration()
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, sec.Name(), key, err)
	}
	*dst = v
	return nil
}
