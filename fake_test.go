package usbcan

import (
	"context"
	"sync"
	"time"
)

type txCall struct {
	channel int
	frames  []Frame
}

type rxResult struct {
	frames []Frame
	err    error
}

// fakeDriver records every call. Transmit results and receive results can
// be scripted per call, unscripted calls succeed.
type fakeDriver struct {
	mu sync.Mutex

	openErrs  []error
	opens     int
	inits     []int
	starts    []int
	initErr   map[int]error
	closes    int
	closed    bool
	afterStop int // calls made after Close

	txCalls   []txCall
	txResults []func(n int) (int, error)

	rxScript map[int][]rxResult
	rxCalls  map[int]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		initErr:  make(map[int]error),
		rxScript: make(map[int][]rxResult),
		rxCalls:  make(map[int]int),
	}
}

func (f *fakeDriver) Open(ctx context.Context, dev DeviceConfig) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 7, nil
}

func (f *fakeDriver) Init(h Handle, channel int, cfg ChannelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, channel)
	return f.initErr[channel]
}

func (f *fakeDriver) Start(h Handle, channel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, channel)
	return nil
}

// Transmit runs a scripted result without holding the lock so a script can
// block like a stuck USB transfer.
func (f *fakeDriver) Transmit(h Handle, channel int, frames []Frame) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.afterStop++
	}
	cp := append([]Frame(nil), frames...)
	f.txCalls = append(f.txCalls, txCall{channel: channel, frames: cp})
	var r func(n int) (int, error)
	if len(f.txResults) > 0 {
		r = f.txResults[0]
		f.txResults = f.txResults[1:]
	}
	f.mu.Unlock()
	if r != nil {
		return r(len(frames))
	}
	return len(frames), nil
}

func (f *fakeDriver) Receive(h Handle, channel int, max int, wait time.Duration) ([]Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.afterStop++
	}
	f.rxCalls[channel]++
	script := f.rxScript[channel]
	if len(script) == 0 {
		return nil, nil
	}
	r := script[0]
	f.rxScript[channel] = script[1:]
	if len(r.frames) > max {
		r.frames = r.frames[:max]
	}
	return r.frames, r.err
}

func (f *fakeDriver) Close(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	return nil
}

func (f *fakeDriver) transmitCalls() []txCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]txCall(nil), f.txCalls...)
}

func (f *fakeDriver) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeDriver) callsAfterClose() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterStop
}

func (f *fakeDriver) receiveCalls(channel int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxCalls[channel]
}

func (f *fakeDriver) scriptReceive(channel int, results ...rxResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxScript[channel] = append(f.rxScript[channel], results...)
}

func (f *fakeDriver) scriptTransmit(results ...func(n int) (int, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txResults = append(f.txResults, results...)
}

var _ Driver = (*fakeDriver)(nil)
