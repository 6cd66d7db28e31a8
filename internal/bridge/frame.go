// Package bridge implements the duplex audio bridge between a conferencing
// engine and the local capture and render pipelines.
//
// A [Session] owns one engine instance and two workers. The downlink worker
// drains a bounded [FrameQueue] fed by the engine's audio callback and writes
// every payload to the render pipeline. The uplink worker reads encoded frames
// from the capture pipeline and publishes them to the room, optionally gated
// by wake events from the recorder.
//
// Sessions are independent of each other; nothing in this package is global.
package bridge

import (
	"sync"
	"sync/atomic"
)

// Frame is one owned audio payload taken from a [FramePool]. The producer
// fills it and transfers ownership through the [FrameQueue]; the consumer
// calls [Frame.Release] exactly once when done.
type Frame struct {
	buf      *[]byte
	data     []byte
	pool     *FramePool
	released atomic.Bool
}

// Bytes returns the payload. It must not be used after Release.
func (f *Frame) Bytes() []byte { return f.data }

// Len returns the payload length.
func (f *Frame) Len() int { return len(f.data) }

// Release returns the frame's buffer to its pool. Releasing a frame twice is
// a programming error and panics.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		panic("bridge: frame released twice")
	}
	f.data = nil
	if f.pool != nil {
		f.pool.put(f.buf)
	}
	f.buf = nil
}

// FramePool recycles frame buffers between the engine callback and the
// downlink worker. It is safe for concurrent use.
type FramePool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

// NewFramePool returns an empty pool.
func NewFramePool() *FramePool {
	return &FramePool{}
}

// Get returns a frame holding a copy of payload.
func (p *FramePool) Get(payload []byte) *Frame {
	bp, _ := p.pool.Get().(*[]byte)
	if bp == nil {
		b := make([]byte, 0, len(payload))
		bp = &b
	}
	buf := append((*bp)[:0], payload...)
	*bp = buf
	p.outstanding.Add(1)
	return &Frame{buf: bp, data: buf, pool: p}
}

// Outstanding returns the number of frames handed out and not yet released.
func (p *FramePool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *FramePool) put(bp *[]byte) {
	p.outstanding.Add(-1)
	if bp == nil {
		return
	}
	*bp = (*bp)[:0]
	p.pool.Put(bp)
}
