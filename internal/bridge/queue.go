package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultQueueCapacity is the number of downlink frames buffered between
	// the engine callback and the downlink worker.
	DefaultQueueCapacity = 30

	// DefaultEnqueueTimeout bounds how long the engine callback may wait for
	// queue space.
	DefaultEnqueueTimeout = 10 * time.Millisecond
)

var (
	// ErrQueueFull is returned by [FrameQueue.Enqueue] when no slot freed up
	// within the enqueue timeout.
	ErrQueueFull = errors.New("bridge: frame queue full")

	// ErrQueueClosed is returned by [FrameQueue] operations after Close.
	ErrQueueClosed = errors.New("bridge: frame queue closed")
)

// FrameQueue is a bounded FIFO of frames with a time-limited enqueue and a
// blocking, cancellable dequeue. It is safe for one or more producers and a
// single consumer.
type FrameQueue struct {
	ch      chan *Frame
	timeout time.Duration

	// mu guards closed against in-flight enqueues so that Close can drain
	// every frame that made it into ch.
	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}
}

// NewFrameQueue returns a queue holding at most capacity frames. Enqueue waits
// at most timeout for a free slot; a timeout <= 0 means no waiting at all.
func NewFrameQueue(capacity int, timeout time.Duration) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		ch:       make(chan *Frame, capacity),
		timeout:  timeout,
		closedCh: make(chan struct{}),
	}
}

// Enqueue appends f. It returns [ErrQueueFull] if the queue stayed full for the
// whole enqueue timeout and [ErrQueueClosed] after Close. On error ownership
// of f stays with the caller.
func (q *FrameQueue) Enqueue(f *Frame) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- f:
		return nil
	default:
	}
	if q.timeout <= 0 {
		return ErrQueueFull
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- f:
		return nil
	case <-t.C:
		return ErrQueueFull
	}
}

// Dequeue removes and returns the oldest frame, blocking until one is
// available, ctx is done, or the queue is closed.
func (q *FrameQueue) Dequeue(ctx context.Context) (*Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closedCh:
		return nil, ErrQueueClosed
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Close rejects further enqueues and releases every frame still queued. It
// returns the number of frames released. Subsequent calls return 0.
func (q *FrameQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	close(q.closedCh)
	q.mu.Unlock()

	n := 0
	for {
		select {
		case f := <-q.ch:
			f.Release()
			n++
		default:
			return n
		}
	}
}
