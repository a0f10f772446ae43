package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("dispatch queue full")

// item owns a pooled buffer holding one marshaled outbound command.
// Workers must call done() exactly once after processing.
type item struct {
	payload []byte
	buf     *bytebufferpool.ByteBuffer
	once    sync.Once
}

// maxPooledBuffer caps buffers returned to the pool; bigger ones are left
// for the GC so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024

func (it *item) done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.payload = nil
		itemPool.Put(it)
	})
}

var itemPool = sync.Pool{New: func() any { return &item{} }}

// queue is the bounded in-memory channel between reply acceptance and the
// delivery workers. Payloads are copied into pooled buffers on enqueue so
// callers can reuse theirs.
type queue struct {
	ch       chan *item
	capacity int
	dropped  uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &queue{ch: make(chan *item, capacity), capacity: capacity}
}

func (q *queue) acquire(payload []byte) *item {
	it := itemPool.Get().(*item)
	it.once = sync.Once{}
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], payload...)
	it.buf = bb
	it.payload = bb.B[:len(payload)]
	return it
}

// tryEnqueue copies payload into a pooled buffer and enqueues it without
// blocking; ErrQueueFull when at capacity.
func (q *queue) tryEnqueue(payload []byte) error {
	it := q.acquire(payload)
	select {
	case q.ch <- it:
		return nil
	default:
		it.done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// runWorker invokes handler for each dequeued payload until stop closes.
// done() is guaranteed even when the handler panics back through an error.
func (q *queue) runWorker(stop <-chan struct{}, handler func([]byte)) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *item) {
				defer it.done()
				handler(it.payload)
			}(it)
		case <-stop:
			return
		}
	}
}

func (q *queue) len() int { return len(q.ch) }

func (q *queue) droppedN() uint64 { return atomic.LoadUint64(&q.dropped) }

// drain releases buffers still queued after the workers stopped. The
// channel stays open so a racing producer fails its stop check instead
// of panicking on a closed channel.
func (q *queue) drain() {
	for {
		select {
		case it := <-q.ch:
			it.done()
		default:
			return
		}
	}
}
