package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// defaultDispatchBuffer is the number of pending jobs a dispatcher accepts.
const defaultDispatchBuffer = 8

// dispatcher runs submitted jobs one at a time on its own goroutine so that
// callers on latency-sensitive goroutines never execute them inline.
type dispatcher struct {
	jobs   chan func(context.Context)
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(buffer int) *dispatcher {
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	return &dispatcher{jobs: make(chan func(context.Context), buffer)}
}

// start launches the run loop. Jobs receive a context cancelled by stop.
func (d *dispatcher) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-d.jobs:
				job(ctx)
			}
		}
	}()
}

// submit queues job without blocking. It reports false when the backlog is
// full and the job was dropped.
func (d *dispatcher) submit(name string, job func(context.Context)) bool {
	select {
	case d.jobs <- job:
		return true
	default:
		slog.Warn("bridge: dispatcher backlog full, dropping job", "job", name)
		return false
	}
}

// stop cancels the running job, if any, and waits for the loop to exit.
// Pending jobs are discarded.
func (d *dispatcher) stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
