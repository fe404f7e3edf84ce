package usbcan

import (
	"fmt"
	"sync"
)

type PipelineState int

const (
	Stopped PipelineState = iota
	Running
	Draining
	Failed
)

func (s PipelineState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("PipelineState(%d)", int(s))
	}
}

type Direction int

const (
	Transmit Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Transmit {
		return "tx"
	}
	return "rx"
}

// pipelineStatus tracks one channel in one direction. Failed is sticky.
type pipelineStatus struct {
	mu    sync.Mutex
	state PipelineState
	err   error
}

func (p *pipelineStatus) set(s PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Failed {
		return
	}
	p.state = s
}

func (p *pipelineStatus) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Failed {
		return
	}
	p.state = Failed
	p.err = err
}

func (p *pipelineStatus) get() (PipelineState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.err
}

type statusKey struct {
	channel   int
	direction Direction
}

type statusTable map[statusKey]*pipelineStatus

func newStatusTable(channels []int) statusTable {
	t := make(statusTable, len(channels)*2)
	for _, ch := range channels {
		t[statusKey{ch, Transmit}] = &pipelineStatus{}
		t[statusKey{ch, Receive}] = &pipelineStatus{}
	}
	return t
}

func (t statusTable) setAll(d Direction, s PipelineState) {
	for k, st := range t {
		if k.direction == d {
			st.set(s)
		}
	}
}
