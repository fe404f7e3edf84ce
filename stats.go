package usbcan

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	Enqueued   uint64
	Sent       uint64
	Batches    uint64
	ShortSends uint64
	ZeroSends  uint64
	Received   uint64
	RecvErrors uint64
	Dropped    uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("enqueued: %d sent: %d batches: %d short: %d zero: %d recv: %d recv errors: %d dropped: %d",
		st.Enqueued, st.Sent, st.Batches, st.ShortSends, st.ZeroSends, st.Received, st.RecvErrors, st.Dropped)
}

type counters struct {
	enqueued   atomic.Uint64
	sent       atomic.Uint64
	batches    atomic.Uint64
	shortSends atomic.Uint64
	zeroSends  atomic.Uint64
	received   atomic.Uint64
	recvErrors atomic.Uint64
	dropped    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Enqueued:   c.enqueued.Load(),
		Sent:       c.sent.Load(),
		Batches:    c.batches.Load(),
		ShortSends: c.shortSends.Load(),
		ZeroSends:  c.zeroSends.Load(),
		Received:   c.received.Load(),
		RecvErrors: c.recvErrors.Load(),
		Dropped:    c.dropped.Load(),
	}
}
