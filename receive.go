package usbcan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// receiver polls every channel for buffered frames and republishes them on
// the inbound queue. The adapter drops frames once its own FIFO is full and
// gives no notification, so polling has to keep up with the bus.
type receiver struct {
	driver   Driver
	handle   Handle
	channels []int
	queue    *Queue
	settings *Settings
	status   statusTable
	stats    *counters
	events   *eventSink
	log      logrus.FieldLogger
	closed   *atomic.Bool
}

// run polls until ctx is cancelled. Frames still buffered in the adapter at
// that point are not collected. Driver errors are logged and polling goes
// on since the vendor call reports an empty buffer as an error on some
// firmware.
func (r *receiver) run(ctx context.Context) error {
	r.status.setAll(Receive, Running)
	defer r.status.setAll(Receive, Stopped)
	defer r.log.Debug("receive pipeline done")

	for {
		for _, ch := range r.channels {
			if ctx.Err() != nil {
				return nil
			}
			r.poll(ctx, ch)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.settings.PollInterval):
		}
	}
}

func (r *receiver) poll(ctx context.Context, channel int) {
	if r.closed.Load() {
		return
	}
	frames, err := r.driver.Receive(r.handle, channel, r.settings.BufferSize, 0)
	if err != nil {
		err = asDeviceError(err, "receive", r.handle, channel)
		r.stats.recvErrors.Add(1)
		r.events.send(EventTypeWarning, channel, "receive: %v", err)
		r.log.WithField("channel", channel).WithError(err).Warn("receive failed")
		return
	}
	if len(frames) == 0 {
		return
	}
	for i, f := range frames {
		if err := r.queue.Put(ctx, Entry{Channel: channel, Frame: f}); err != nil {
			lost := len(frames) - i
			r.stats.dropped.Add(uint64(lost))
			r.log.WithFields(logrus.Fields{"channel": channel, "count": lost}).WithError(err).Info("inbound queue unavailable, frames lost")
			return
		}
		r.stats.received.Add(1)
	}
	if len(frames) >= r.settings.BufferSize {
		r.events.send(EventTypeWarning, channel, "receive buffer full (%d frames), poll interval may be too long", len(frames))
	}
	r.log.WithFields(logrus.Fields{"channel": channel, "count": len(frames)}).Debug("frames received")
}
