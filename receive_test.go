package usbcan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReceiver(d Driver, channels []int) (*receiver, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return &receiver{
		driver:   d,
		handle:   7,
		channels: channels,
		queue:    NewQueue(100),
		settings: &Settings{
			BufferSize:   5000,
			PollInterval: 5 * time.Millisecond,
		},
		status: newStatusTable(channels),
		stats:  &counters{},
		events: newEventSink(16, log),
		log:    log,
		closed: &atomic.Bool{},
	}, hook
}

func runReceiver(t *testing.T, r *receiver) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()
	return cancel, done
}

func TestReceiveErrorDoesNotStopPolling(t *testing.T) {
	d := newFakeDriver()
	f1 := MustFrame(0x10, []byte{1})
	f2 := MustFrame(0x11, []byte{2})
	d.scriptReceive(1,
		rxResult{err: errors.New("no data")},
		rxResult{frames: []Frame{f1, f2}},
	)
	r, hook := newTestReceiver(d, []int{1})
	cancel, done := runReceiver(t, r)
	defer cancel()

	ctx := context.Background()
	e, err := r.queue.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Entry{Channel: 1, Frame: f1}, e)
	e, err = r.queue.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Entry{Channel: 1, Frame: f2}, e)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), r.stats.recvErrors.Load())
	assert.Equal(t, uint64(2), r.stats.received.Load())
	assert.Equal(t, 1, entriesAtLevel(hook, logrus.WarnLevel))
	st, _ := r.status[statusKey{1, Receive}].get()
	assert.Equal(t, Stopped, st)
}

func TestReceivePollsEveryChannel(t *testing.T) {
	d := newFakeDriver()
	r, _ := newTestReceiver(d, []int{0, 1})
	cancel, done := runReceiver(t, r)

	require.Eventually(t, func() bool {
		return d.receiveCalls(0) >= 2 && d.receiveCalls(1) >= 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestReceiveKeepsChannelOrder(t *testing.T) {
	d := newFakeDriver()
	var frames []Frame
	for i := uint32(0); i < 50; i++ {
		frames = append(frames, MustFrame(i, nil))
	}
	d.scriptReceive(0, rxResult{frames: frames})
	r, _ := newTestReceiver(d, []int{0})
	cancel, done := runReceiver(t, r)
	defer cancel()

	for i := uint32(0); i < 50; i++ {
		e, err := r.queue.Get(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, e.Frame.ID())
	}
	cancel()
	require.NoError(t, <-done)
}

func TestReceiveFullBufferWarns(t *testing.T) {
	d := newFakeDriver()
	r, _ := newTestReceiver(d, []int{0})
	r.settings.BufferSize = 2
	d.scriptReceive(0, rxResult{frames: []Frame{MustFrame(1, nil), MustFrame(2, nil)}})
	cancel, done := runReceiver(t, r)
	defer cancel()

	select {
	case evt := <-r.events.ch:
		assert.Equal(t, EventTypeWarning, evt.Type)
		assert.Equal(t, 0, evt.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected a warning event")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestReceiveCountsLostFrames(t *testing.T) {
	d := newFakeDriver()
	r, _ := newTestReceiver(d, []int{0})
	r.queue.Close()
	d.scriptReceive(0, rxResult{frames: []Frame{MustFrame(1, nil), MustFrame(2, nil), MustFrame(3, nil)}})
	cancel, done := runReceiver(t, r)

	require.Eventually(t, func() bool {
		return r.stats.dropped.Load() == 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, r.stats.received.Load())
}

func TestReceiveSkipsDriverOnceClosed(t *testing.T) {
	d := newFakeDriver()
	d.scriptReceive(0, rxResult{frames: []Frame{MustFrame(1, nil)}})
	r, _ := newTestReceiver(d, []int{0, 1})
	r.closed.Store(true)
	cancel, done := runReceiver(t, r)

	require.Eventually(t, func() bool {
		st, _ := r.status[statusKey{0, Receive}].get()
		return st == Running
	}, time.Second, time.Millisecond)
	time.Sleep(4 * r.settings.PollInterval)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, d.receiveCalls(0))
	assert.Zero(t, d.receiveCalls(1))
	assert.Zero(t, r.queue.Len())
}
