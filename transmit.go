package usbcan

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// transmitter drains the outbound queue into fixed size windows and hands
// them to the driver, one Transmit call per channel present in the window.
type transmitter struct {
	driver   Driver
	handle   Handle
	queue    *Queue
	settings *Settings
	status   statusTable
	stats    *counters
	events   *eventSink
	log      logrus.FieldLogger
	closed   *atomic.Bool // set before the device handle is closed
}

// run loops until ctx is cancelled or the queue is closed and empty. On
// cancellation it makes one last non blocking pass to flush what is already
// queued. A device error is returned as is and ends the pipeline.
func (t *transmitter) run(ctx context.Context) error {
	t.status.setAll(Transmit, Running)
	defer t.log.Debug("transmit pipeline done")
	for {
		if ctx.Err() != nil {
			return t.flush()
		}
		entries, err := t.queue.Drain(ctx, t.settings.BatchSize, t.settings.DrainTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrQueueClosed):
			t.status.setAll(Transmit, Stopped)
			return nil
		default:
			// context cancelled while waiting
			continue
		}
		if err := t.send(entries); err != nil {
			t.status.setAll(Transmit, Stopped)
			return err
		}
	}
}

func (t *transmitter) flush() error {
	t.status.setAll(Transmit, Draining)
	entries, err := t.queue.Drain(context.Background(), t.settings.BatchSize, 0)
	if err == nil {
		t.log.WithField("count", len(entries)).Debug("flushing outbound queue")
		if err := t.send(entries); err != nil {
			t.status.setAll(Transmit, Stopped)
			return err
		}
	}
	t.status.setAll(Transmit, Stopped)
	return nil
}

// send splits a window per channel keeping queue order inside each channel.
func (t *transmitter) send(entries []Entry) error {
	var order []int
	batches := make(map[int][]Frame)
	for _, e := range entries {
		if _, ok := t.status[statusKey{e.Channel, Transmit}]; !ok {
			t.stats.dropped.Add(1)
			t.log.WithField("channel", e.Channel).Warn("dropping frame for unconfigured channel")
			continue
		}
		if _, seen := batches[e.Channel]; !seen {
			order = append(order, e.Channel)
		}
		batches[e.Channel] = append(batches[e.Channel], e.Frame)
	}
	for i, ch := range order {
		if err := t.transmit(ch, batches[ch]); err != nil {
			for _, rest := range order[i+1:] {
				t.stats.dropped.Add(uint64(len(batches[rest])))
			}
			return err
		}
	}
	return nil
}

func (t *transmitter) transmit(channel int, frames []Frame) error {
	log := t.log.WithFields(logrus.Fields{"channel": channel, "batch": len(frames)})
	if t.closed.Load() {
		t.stats.dropped.Add(uint64(len(frames)))
		log.Debug("device closed, batch dropped")
		return nil
	}
	sent, err := t.driver.Transmit(t.handle, channel, frames)
	t.stats.batches.Add(1)
	if err != nil {
		err = asDeviceError(err, "transmit", t.handle, channel)
		t.status[statusKey{channel, Transmit}].fail(err)
		t.events.send(EventTypeError, channel, "transmit failed: %v", err)
		log.WithError(err).Error("transmit failed")
		return err
	}
	if sent < 0 {
		sent = 0
	}
	t.stats.sent.Add(uint64(sent))
	switch {
	case sent == 0:
		// bus not ready, the frames are not retried
		t.stats.zeroSends.Add(1)
		log.Debug("driver accepted no frames")
	case sent < len(frames):
		t.stats.shortSends.Add(1)
		t.events.send(EventTypeWarning, channel, "short send %d/%d", sent, len(frames))
		log.WithField("sent", sent).Info("short send")
	default:
		log.Debug("batch sent")
	}
	return nil
}
