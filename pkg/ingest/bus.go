package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
)

// ErrBusClosed is returned by Do after Stop.
var ErrBusClosed = errors.New("ingest bus closed")

// ErrBusBusy is returned when a partition's queue is full.
var ErrBusBusy = errors.New("ingest partition queue full")

type task struct {
	fn  func() error
	res chan error
}

// Bus serializes work per conversation. Tasks carrying the same partition
// key always run on the same worker goroutine, so thread state transitions
// never race: webhook ingress, console actions, SLA breaches and delivery
// results for one thread all funnel through one partition.
type Bus struct {
	parts []chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBus creates a bus with the given number of partitions, each holding a
// bounded queue of depth capacity.
func NewBus(partitions, capacity int) *Bus {
	if partitions <= 0 {
		partitions = 8
	}
	if capacity <= 0 {
		capacity = 256
	}
	b := &Bus{parts: make([]chan task, partitions)}
	for i := range b.parts {
		b.parts[i] = make(chan task, capacity)
	}
	return b
}

// Start launches one worker per partition.
func (b *Bus) Start() {
	for i, ch := range b.parts {
		b.wg.Add(1)
		go b.run(i, ch)
	}
	logger.Info("ingest_bus_started", "partitions", len(b.parts))
}

func (b *Bus) run(i int, ch chan task) {
	defer b.wg.Done()
	for t := range ch {
		err := t.fn()
		if err != nil {
			logger.Error("bus_task_failed", "partition", i, "error", err)
		}
		t.res <- err
	}
}

func (b *Bus) partition(key string) chan task {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.parts[int(h.Sum32())%len(b.parts)]
}

// Do runs fn on key's partition worker and waits for its result. The error
// returned is fn's own error, so callers can refuse to acknowledge an
// event whose persistence failed. ctx bounds the wait for queue space; a
// task already handed to a worker always runs to completion.
func (b *Bus) Do(ctx context.Context, key string, fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	ch := b.partition(key)
	b.mu.Unlock()

	t := task{fn: fn, res: make(chan error, 1)}
	select {
	case ch <- t:
	case <-ctx.Done():
		metrics.QueueDropped.Inc()
		return ctx.Err()
	default:
		select {
		case ch <- t:
		case <-ctx.Done():
			metrics.QueueDropped.Inc()
			return ctx.Err()
		}
	}
	select {
	case err := <-t.res:
		return err
	case <-ctx.Done():
		// worker still runs the task; the caller just stops waiting
		return ctx.Err()
	}
}

// TryDo is the non-blocking variant: it rejects with ErrBusBusy rather
// than waiting for queue space, then still waits for the result.
func (b *Bus) TryDo(key string, fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	ch := b.partition(key)
	b.mu.Unlock()

	t := task{fn: fn, res: make(chan error, 1)}
	select {
	case ch <- t:
	default:
		metrics.QueueDropped.Inc()
		return ErrBusBusy
	}
	return <-t.res
}

// Depth returns the total number of queued tasks across partitions.
func (b *Bus) Depth() int {
	n := 0
	for _, ch := range b.parts {
		n += len(ch)
	}
	return n
}

// Stop closes all partitions and waits for in-flight tasks to finish.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	for _, ch := range b.parts {
		close(ch)
	}
	b.wg.Wait()
	logger.Info("ingest_bus_stopped")
}
