package usbcan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Controller owns the device handle and the two pipeline goroutines of one
// adapter. It is single use: once stopped it can not be started again.
type Controller struct {
	driver   Driver
	settings Settings
	log      logrus.FieldLogger

	outbound *Queue
	inbound  *Queue
	status   statusTable
	stats    counters
	events   *eventSink

	mu      sync.Mutex
	started bool
	handle  Handle
	cancel  context.CancelFunc

	pipelinesDone chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	// closed keeps pipelines that outlived the stop timeout off the handle
	closed        atomic.Bool

	errMu sync.Mutex
	err   error
}

func NewController(driver Driver, settings Settings) (*Controller, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: nil driver", ErrInvalidConfig)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings.Channels = append([]ChannelSetup(nil), settings.Channels...)
	if settings.Logger == nil {
		settings.Logger = newLogger()
	}
	log := settings.Logger.WithField("device", settings.DeviceIndex)
	return &Controller{
		driver:        driver,
		settings:      settings,
		log:           log,
		outbound:      NewQueue(settings.QueueSize),
		inbound:       NewQueue(settings.QueueSize),
		status:        newStatusTable(settings.ChannelIndexes()),
		events:        newEventSink(settings.EventBuffer, log),
		pipelinesDone: make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start opens the device, initializes and starts every configured channel in
// order and spawns the transmit and receive pipelines. Cancelling ctx later
// shuts the pipelines down just like Stop, without waiting for them.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	select {
	case <-c.done:
		return ErrAlreadyStarted
	default:
	}

	h, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.log.WithField("handle", h).Info("device opened")

	for _, ch := range c.settings.Channels {
		if err := c.bringUp(h, ch); err != nil {
			if cerr := c.driver.Close(h); cerr != nil {
				c.log.WithError(cerr).Warn("close after failed bring-up")
			}
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	tx := &transmitter{
		driver:   c.driver,
		handle:   h,
		queue:    c.outbound,
		settings: &c.settings,
		status:   c.status,
		stats:    &c.stats,
		events:   c.events,
		log:      c.log.WithField("pipeline", Transmit.String()),
		closed:   &c.closed,
	}
	rx := &receiver{
		driver:   c.driver,
		handle:   h,
		channels: c.settings.ChannelIndexes(),
		queue:    c.inbound,
		settings: &c.settings,
		status:   c.status,
		stats:    &c.stats,
		events:   c.events,
		log:      c.log.WithField("pipeline", Receive.String()),
		closed:   &c.closed,
	}
	g.Go(func() error {
		if err := tx.run(gctx); err != nil {
			return Unrecoverable(err)
		}
		return nil
	})
	g.Go(func() error {
		return rx.run(gctx)
	})

	c.handle = h
	c.cancel = cancel
	c.started = true
	go c.supervise(g)
	return nil
}

func (c *Controller) open(ctx context.Context) (Handle, error) {
	dev := c.settings.DeviceConfig()
	if !c.settings.BlockUntilPresent {
		h, err := c.driver.Open(ctx, dev)
		return h, asDeviceError(err, "open", 0, -1)
	}
	var h Handle
	err := retry.Do(func() error {
		var err error
		h, err = c.driver.Open(ctx, dev)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(c.settings.OpenAttempts),
		retry.Delay(c.settings.OpenRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithField("attempt", n+1).WithError(err).Info("device not available")
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, asDeviceError(err, "open", 0, -1)
	}
	return h, nil
}

func (c *Controller) bringUp(h Handle, ch ChannelSetup) error {
	if err := c.driver.Init(h, ch.Index, ch.Config); err != nil {
		return asDeviceError(err, "init", h, ch.Index)
	}
	if err := c.driver.Start(h, ch.Index); err != nil {
		return asDeviceError(err, "start", h, ch.Index)
	}
	c.log.WithFields(logrus.Fields{"channel": ch.Index, "config": ch.Config.String()}).Info("channel started")
	return nil
}

func (c *Controller) supervise(g *errgroup.Group) {
	err := g.Wait()
	close(c.pipelinesDone)
	if err != nil {
		c.setErr(err)
		c.events.send(EventTypeError, -1, "pipeline failed: %v", err)
		c.log.WithError(err).Error("pipeline failed, shutting down")
	}
	c.cancel()
	c.outbound.Close()
	c.closeDevice()
}

// Stop signals both pipelines, waits up to the configured stop timeout for
// them to finish and closes the device. It returns the first fatal pipeline
// error, if any.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.mu.Unlock()

	c.cancel()
	c.outbound.Close()
	select {
	case <-c.pipelinesDone:
	case <-time.After(c.settings.StopTimeout):
		c.log.WithField("timeout", c.settings.StopTimeout).Warn("pipelines did not stop in time, closing device anyway")
	}
	c.closeDevice()
	return c.Err()
}

// closeDevice runs exactly once, whichever of Stop and the supervisor gets
// there first. A driver call already in flight may still return after it,
// but no new one is made.
func (c *Controller) closeDevice() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.driver.Close(c.handle); err != nil {
			c.log.WithError(asDeviceError(err, "close", c.handle, -1)).Warn("close device")
		} else {
			c.log.WithField("handle", c.handle).Info("device closed")
		}
		c.inbound.Close()
		close(c.done)
	})
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first fatal error of either pipeline.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the device has been closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the controller has shut down and returns Err.
func (c *Controller) Wait() error {
	<-c.done
	return c.Err()
}

// Send queues a frame for transmission on channel.
func (c *Controller) Send(ctx context.Context, channel int, f Frame) error {
	if _, ok := c.status[statusKey{channel, Transmit}]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if err := c.outbound.Put(ctx, Entry{Channel: channel, Frame: f}); err != nil {
		return err
	}
	c.stats.enqueued.Add(1)
	return nil
}

// Recv returns the next received frame, waiting up to timeout.
func (c *Controller) Recv(ctx context.Context, timeout time.Duration) (Entry, error) {
	return c.inbound.Get(ctx, timeout)
}

// Outbound exposes the transmit queue. Entries for channels that are not
// configured are dropped by the pipeline.
func (c *Controller) Outbound() *Queue { return c.outbound }

func (c *Controller) Inbound() *Queue { return c.inbound }

func (c *Controller) Events() <-chan Event { return c.events.ch }

func (c *Controller) Stats() Stats { return c.stats.snapshot() }

// State reports the pipeline state of one channel and direction.
func (c *Controller) State(channel int, d Direction) (PipelineState, error) {
	st, ok := c.status[statusKey{channel, d}]
	if !ok {
		return Stopped, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return st.get()
}
