package usbcan

import (
	"fmt"
	"sort"
	"strings"
)

// FilterMode selects which frame types the acceptance filter keeps. The
// numeric values are the ones the adapter expects in its init block.
type FilterMode uint8

const (
	FilterOff FilterMode = iota
	FilterAll
	FilterStandardOnly
	FilterExtendedOnly
)

func (m FilterMode) String() string {
	switch m {
	case FilterOff:
		return "off"
	case FilterAll:
		return "all"
	case FilterStandardOnly:
		return "standard"
	case FilterExtendedOnly:
		return "extended"
	default:
		return fmt.Sprintf("FilterMode(%d)", uint8(m))
	}
}

func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "0":
		return FilterOff, nil
	case "all", "1", "":
		return FilterAll, nil
	case "standard", "std", "2":
		return FilterStandardOnly, nil
	case "extended", "ext", "3":
		return FilterExtendedOnly, nil
	}
	return 0, fmt.Errorf("%w: unknown filter mode %q", ErrInvalidConfig, s)
}

// Mode is the controller operating mode.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeListenOnly
	ModeLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeListenOnly:
		return "listen-only"
	case ModeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "0", "":
		return ModeNormal, nil
	case "listen-only", "listen", "1":
		return ModeListenOnly, nil
	case "loopback", "selftest", "2":
		return ModeLoopback, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// BitTiming holds the SJA1000 style BTR0/BTR1 register pair.
type BitTiming struct {
	Timing0 uint8
	Timing1 uint8
}

func (b BitTiming) String() string {
	return fmt.Sprintf("0x%02X/0x%02X", b.Timing0, b.Timing1)
}

// bit timing registers for the adapter's 16MHz clock, keyed by kbit/s
var baudTable = map[int]BitTiming{
	5:    {0xBF, 0xFF},
	10:   {0x31, 0x1C},
	20:   {0x18, 0x1C},
	40:   {0x87, 0xFF},
	50:   {0x09, 0x1C},
	80:   {0x83, 0xFF},
	100:  {0x04, 0x1C},
	125:  {0x03, 0x1C},
	200:  {0x81, 0xFA},
	250:  {0x01, 0x1C},
	400:  {0x80, 0xFA},
	500:  {0x00, 0x1C},
	666:  {0x80, 0xB6},
	800:  {0x00, 0x16},
	1000: {0x00, 0x14},
}

// LookupBitTiming returns the register pair for a bitrate in kbit/s.
func LookupBitTiming(kbps int) (BitTiming, bool) {
	t, ok := baudTable[kbps]
	return t, ok
}

// BaudRates lists the supported bitrates in ascending order.
func BaudRates() []int {
	out := make([]int, 0, len(baudTable))
	for k := range baudTable {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

const (
	DefaultAcceptanceCode uint32 = 0x00000000
	DefaultAcceptanceMask uint32 = 0xFFFFFFFF
)

// ChannelConfig is the validated init block for one channel. Build it with
// BuildChannelConfig; it is applied by the driver's Init and is not changed
// while the channel runs.
type ChannelConfig struct {
	Baud           int // kbit/s, 0 when the timing was given explicitly
	AcceptanceCode uint32
	AcceptanceMask uint32
	Filter         FilterMode
	Timing         BitTiming
	Mode           Mode
}

func (c ChannelConfig) String() string {
	rate := "custom"
	if c.Baud != 0 {
		rate = fmt.Sprintf("%dk", c.Baud)
	}
	return fmt.Sprintf("rate=%s timing=%s filter=%s mode=%s acc=0x%08X/0x%08X",
		rate, c.Timing, c.Filter, c.Mode, c.AcceptanceCode, c.AcceptanceMask)
}

// BuildChannelConfig validates the arguments and resolves the bit timing.
// When override is nil the baud rate (kbit/s) must be in the lookup table.
func BuildChannelConfig(baud int, filter FilterMode, mode Mode, accCode, accMask uint32, override *BitTiming) (ChannelConfig, error) {
	if filter > FilterExtendedOnly {
		return ChannelConfig{}, fmt.Errorf("%w: filter mode %d", ErrInvalidConfig, filter)
	}
	if mode > ModeLoopback {
		return ChannelConfig{}, fmt.Errorf("%w: mode %d", ErrInvalidConfig, mode)
	}
	cfg := ChannelConfig{
		Baud:           baud,
		AcceptanceCode: accCode,
		AcceptanceMask: accMask,
		Filter:         filter,
		Mode:           mode,
	}
	if override != nil {
		cfg.Timing = *override
		if _, known := baudTable[baud]; !known {
			cfg.Baud = 0
		}
		return cfg, nil
	}
	timing, ok := baudTable[baud]
	if !ok {
		return ChannelConfig{}, fmt.Errorf("%w: %d kbit/s", ErrUnknownBaudRate, baud)
	}
	cfg.Timing = timing
	return cfg, nil
}

// DefaultChannelConfig accepts every frame in normal mode at the given rate.
func DefaultChannelConfig(baud int) (ChannelConfig, error) {
	return BuildChannelConfig(baud, FilterAll, ModeNormal, DefaultAcceptanceCode, DefaultAcceptanceMask, nil)
}

// Accepts reports whether the acceptance filter lets the frame through.
// The code/mask pair is compared against the identifier left aligned in 32
// bits; a mask bit set to 1 marks a don't care position.
func (c ChannelConfig) Accepts(f Frame) bool {
	switch c.Filter {
	case FilterOff:
		return true
	case FilterStandardOnly:
		if f.Extended() {
			return false
		}
	case FilterExtendedOnly:
		if !f.Extended() {
			return false
		}
	}
	var aligned uint32
	if f.Extended() {
		aligned = f.ID() << 3
	} else {
		aligned = f.ID() << 21
	}
	return (aligned^c.AcceptanceCode)&^c.AcceptanceMask == 0
}
