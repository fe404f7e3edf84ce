package usbcan

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggedDriver(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	inner := newFakeDriver()
	d := NewLoggedDriver(inner, log)

	h, err := d.Open(context.Background(), DeviceConfig{Type: DeviceTypeUSBCAN2A})
	require.NoError(t, err)
	assert.Equal(t, Handle(7), h)

	n, err := d.Transmit(h, 0, []Frame{MustFrame(1, nil), MustFrame(2, nil)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var traces int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.TraceLevel {
			traces++
		}
	}
	assert.Equal(t, 2, traces)

	inner.initErr[0] = errors.New("nope")
	hook.Reset()
	assert.Error(t, d.Init(h, 0, ChannelConfig{}))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "init", hook.LastEntry().Data["op"])
}

func TestLoggedDriverQuietOnEmptyReceive(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	d := NewLoggedDriver(newFakeDriver(), log)
	frames, err := d.Receive(7, 0, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Empty(t, hook.AllEntries())
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, clamp(-1, 5))
	assert.Equal(t, 3, clamp(3, 5))
	assert.Equal(t, 5, clamp(9, 5))
}
