package cmd

import (
	"testing"

	"github.com/canrelay/usbcan"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameFromArgs(t *testing.T) {
	require.NoError(t, sendCmd.Flags().Set("extended", "false"))
	f, err := frameFromArgs(sendCmd, []string{"0x000", "3233333333333333"})
	require.NoError(t, err)
	assert.Equal(t, usbcan.MustFrame(0, []byte("23333333")), f)

	_, err = frameFromArgs(sendCmd, []string{"0x800"})
	assert.ErrorIs(t, err, usbcan.ErrInvalidFrame)

	_, err = frameFromArgs(sendCmd, []string{"12", "zz"})
	assert.Error(t, err)

	require.NoError(t, sendCmd.Flags().Set("extended", "true"))
	defer sendCmd.Flags().Set("extended", "false")
	f, err = frameFromArgs(sendCmd, []string{"0x18DAF110", "02 10"})
	require.NoError(t, err)
	assert.True(t, f.Extended())
	assert.Equal(t, []byte{0x02, 0x10}, f.Data())
}

func TestLoadSettingsFromFlags(t *testing.T) {
	require.NoError(t, runCmd.ParseFlags(nil))
	s, err := loadSettings(runCmd)
	require.NoError(t, err)
	assert.Equal(t, "virtual", s.Driver)
	assert.Equal(t, 115200, s.PortBaudrate)
	assert.Equal(t, []int{0, 1}, s.ChannelIndexes())
	timing, _ := usbcan.LookupBitTiming(100)
	assert.Equal(t, timing, s.Channels[0].Config.Timing)
}

func TestLoggerIsTheCommandLogger(t *testing.T) {
	require.NoError(t, runCmd.ParseFlags(nil))
	s, err := loadSettings(runCmd)
	require.NoError(t, err)
	assert.Same(t, Logger(), s.Logger)

	hook := test.NewLocal(Logger())
	defer hook.Reset()
	Logger().Info("got interrupt, exiting")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "got interrupt, exiting", hook.LastEntry().Message)
}
