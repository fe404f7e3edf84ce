package usbcan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIni = `
[device]
driver = virtual
index = 1
block_until_present = true
open_attempts = 3
open_retry_delay = 50ms

[pipeline]
batch_size = 200
poll_interval = 100ms

[channel.1]
baud = 250
mode = listen-only

[channel.0]
baud = 100
filter = standard
acc_code = 0x80000008
acc_mask = 0xFFFFFFFF
`

func TestLoadSettings(t *testing.T) {
	s, err := LoadSettings([]byte(testIni))
	require.NoError(t, err)

	assert.Equal(t, "virtual", s.Driver)
	assert.Equal(t, uint32(1), s.DeviceIndex)
	assert.Equal(t, DeviceTypeUSBCAN2A, s.DeviceType)
	assert.True(t, s.BlockUntilPresent)
	assert.Equal(t, uint(3), s.OpenAttempts)
	assert.Equal(t, 50*time.Millisecond, s.OpenRetryDelay)

	assert.Equal(t, 200, s.BatchSize)
	assert.Equal(t, 100*time.Millisecond, s.PollInterval)
	assert.Equal(t, DefaultBufferSize, s.BufferSize)
	assert.Equal(t, DefaultDrainTimeout, s.DrainTimeout)

	require.Len(t, s.Channels, 2)
	assert.Equal(t, []int{0, 1}, s.ChannelIndexes())

	ch0 := s.Channels[0].Config
	assert.Equal(t, BitTiming{0x04, 0x1C}, ch0.Timing)
	assert.Equal(t, FilterStandardOnly, ch0.Filter)
	assert.Equal(t, uint32(0x80000008), ch0.AcceptanceCode)

	ch1 := s.Channels[1].Config
	assert.Equal(t, ModeListenOnly, ch1.Mode)
	assert.Equal(t, BitTiming{0x01, 0x1C}, ch1.Timing)
}

func TestLoadSettingsTimingOverride(t *testing.T) {
	s, err := LoadSettings([]byte("[channel.0]\nbaud = 333\ntiming0 = 0x12\ntiming1 = 0x34\n"))
	require.NoError(t, err)
	assert.Equal(t, BitTiming{0x12, 0x34}, s.Channels[0].Config.Timing)
	assert.Equal(t, 0, s.Channels[0].Config.Baud)
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"no channels", "[device]\ndriver = virtual\n", ErrInvalidConfig},
		{"unknown baud", "[channel.0]\nbaud = 333\n", ErrUnknownBaudRate},
		{"bad index", "[channel.x]\nbaud = 100\n", ErrInvalidConfig},
		{"bad filter", "[channel.0]\nbaud = 100\nfilter = some\n", ErrInvalidConfig},
		{"bad batch size", "[pipeline]\nbatch_size = lots\n[channel.0]\nbaud = 100\n", ErrInvalidConfig},
		{"timing out of range", "[channel.0]\nbaud = 100\ntiming0 = 0x100\ntiming1 = 0\n", ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings([]byte(tt.src))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	cfg, err := DefaultChannelConfig(100)
	require.NoError(t, err)

	s := Settings{Channels: []ChannelSetup{{Index: 0, Config: cfg}}}
	require.NoError(t, s.Validate())
	assert.Equal(t, DefaultBatchSize, s.BatchSize)
	assert.Equal(t, DefaultPollInterval, s.PollInterval)
	assert.Equal(t, uint(DefaultOpenAttempts), s.OpenAttempts)

	s.Channels = append(s.Channels, ChannelSetup{Index: 0, Config: cfg})
	assert.ErrorIs(t, s.Validate(), ErrInvalidConfig)

	s = Settings{Channels: []ChannelSetup{{Index: 0, Config: cfg}}, BatchSize: -1}
	assert.ErrorIs(t, s.Validate(), ErrInvalidConfig)
}
