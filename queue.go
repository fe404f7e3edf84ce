package usbcan

import (
	"context"
	"sync"
	"time"
)

// Entry is a frame tagged with the channel it was received on or has to be
// sent on.
type Entry struct {
	Channel int
	Frame   Frame
}

// Queue is a bounded, thread safe FIFO of entries. Put blocks while the
// queue is full. After Close, Put fails with ErrQueueClosed and Get keeps
// returning buffered entries until the queue is empty.
type Queue struct {
	items     chan Entry
	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make(chan Entry, capacity),
		closed: make(chan struct{}),
	}
}

// Put appends e, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, e Entry) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- e:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut appends e if there is room and reports whether it did.
func (q *Queue) TryPut(e Entry) (bool, error) {
	select {
	case <-q.closed:
		return false, ErrQueueClosed
	default:
	}
	select {
	case q.items <- e:
		return true, nil
	default:
		return false, nil
	}
}

// Get removes the oldest entry, waiting up to timeout. A timeout <= 0 polls
// without waiting. It returns ErrTimeout when nothing arrived in time and
// ErrQueueClosed once the queue is closed and drained.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Entry, error) {
	select {
	case e := <-q.items:
		return e, nil
	default:
	}
	if timeout <= 0 {
		return Entry{}, q.emptyErr()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e := <-q.items:
		return e, nil
	case <-q.closed:
		return q.getClosed()
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-t.C:
		return Entry{}, ErrTimeout
	}
}

// Drain waits up to timeout for the first entry and then collects up to max
// entries that are already queued, in FIFO order. It never returns an empty
// slice with a nil error.
func (q *Queue) Drain(ctx context.Context, max int, timeout time.Duration) ([]Entry, error) {
	if max < 1 {
		max = 1
	}
	first, err := q.Get(ctx, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 1, min(max, len(q.items)+1))
	out[0] = first
	for len(out) < max {
		select {
		case e := <-q.items:
			out = append(out, e)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *Queue) emptyErr() error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
		return ErrTimeout
	}
}

// getClosed picks up entries that raced with Close.
func (q *Queue) getClosed() (Entry, error) {
	select {
	case e := <-q.items:
		return e, nil
	default:
		return Entry{}, ErrQueueClosed
	}
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.items) }
func (q *Queue) Cap() int { return cap(q.items) }
