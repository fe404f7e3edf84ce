package usbcan

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLoggedDriver wraps a Driver and logs every call at debug level and
// every failure at warn level.
func NewLoggedDriver(inner Driver, logger logrus.FieldLogger) Driver {
	if logger == nil {
		logger = newLogger()
	}
	return &loggedDriver{inner: inner, log: logger.WithField("component", "driver")}
}

type loggedDriver struct {
	inner Driver
	log   logrus.FieldLogger
}

func (l *loggedDriver) result(op string, fields logrus.Fields, err error) {
	entry := l.log.WithFields(fields).WithField("op", op)
	if err != nil {
		entry.WithError(err).Warn("driver call failed")
		return
	}
	entry.Debug("driver call")
}

func (l *loggedDriver) Open(ctx context.Context, dev DeviceConfig) (Handle, error) {
	h, err := l.inner.Open(ctx, dev)
	l.result("open", logrus.Fields{"type": dev.Type, "index": dev.Index, "handle": h}, err)
	return h, err
}

func (l *loggedDriver) Init(h Handle, channel int, cfg ChannelConfig) error {
	err := l.inner.Init(h, channel, cfg)
	l.result("init", logrus.Fields{"handle": h, "channel": channel, "config": cfg.String()}, err)
	return err
}

func (l *loggedDriver) Start(h Handle, channel int) error {
	err := l.inner.Start(h, channel)
	l.result("start", logrus.Fields{"handle": h, "channel": channel}, err)
	return err
}

func (l *loggedDriver) Transmit(h Handle, channel int, frames []Frame) (int, error) {
	n, err := l.inner.Transmit(h, channel, frames)
	l.result("transmit", logrus.Fields{"handle": h, "channel": channel, "count": len(frames), "sent": n}, err)
	for _, f := range frames[:clamp(n, len(frames))] {
		l.log.WithField("channel", channel).Trace("tx " + f.String())
	}
	return n, err
}

func (l *loggedDriver) Receive(h Handle, channel int, max int, wait time.Duration) ([]Frame, error) {
	frames, err := l.inner.Receive(h, channel, max, wait)
	if err != nil || len(frames) > 0 {
		l.result("receive", logrus.Fields{"handle": h, "channel": channel, "count": len(frames)}, err)
	}
	for _, f := range frames {
		l.log.WithField("channel", channel).Trace("rx " + f.String())
	}
	return frames, err
}

func (l *loggedDriver) Close(h Handle) error {
	err := l.inner.Close(h)
	l.result("close", logrus.Fields{"handle": h}, err)
	return err
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
