package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"guesthub/pkg/adapters"
	"guesthub/pkg/config"
	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

// ResultFunc reports each command's final verdict back to the owner of
// the thread state. derr is nil on success.
type ResultFunc func(threadID string, seq uint64, receipt models.DeliveryReceipt, derr *models.DeliveryError)

// Dispatcher drains the outbound queue through channel adapters with
// bounded retries. Before any provider call it re-checks the thread's
// reply window; a breached window fails the message immediately without
// touching the provider.
type Dispatcher struct {
	cfg      *config.Config
	registry *adapters.Registry
	result   ResultFunc
	q        *queue
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu        sync.Mutex
	cancelled map[string]time.Time
}

// cancelTTL bounds how long a closed thread's cancellation marker is
// kept; any command enqueued before the close has long drained by then.
var cancelTTL = 30 * time.Minute

func New(cfg *config.Config, registry *adapters.Registry, result ResultFunc) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		result:    result,
		q:         newQueue(cfg.Dispatch.QueueCapacity),
		stop:      make(chan struct{}),
		cancelled: make(map[string]time.Time),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.q.runWorker(d.stop, d.deliver)
		}()
	}
	logger.Info("dispatcher_started", "workers", workers)
}

// ErrStopped rejects commands enqueued after shutdown began.
var ErrStopped = errors.New("dispatcher stopped")

// Stop halts the workers and releases queued commands, which is safe
// because every command's message is already durable as PENDING and is
// re-reported FAILED only on explicit delivery verdicts. Callers stop
// the producers first.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
	pending := d.q.len()
	d.q.drain()
	logger.Info("dispatcher_stopped", "pending", pending, "dropped", d.q.droppedN())
}

// Enqueue accepts a command for delivery.
func (d *Dispatcher) Enqueue(cmd models.OutboundCommand) error {
	select {
	case <-d.stop:
		return ErrStopped
	default:
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := d.q.tryEnqueue(payload); err != nil {
		metrics.QueueDropped.Inc()
		return err
	}
	metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(d.q.len()))
	return nil
}

// CancelThread withdraws queued commands for a thread (closed threads).
// Commands already picked up by a worker still run to a verdict. Stale
// markers are swept here so the map does not grow with every close.
func (d *Dispatcher) CancelThread(threadID string) {
	now := time.Now()
	d.mu.Lock()
	d.cancelled[threadID] = now
	for id, ts := range d.cancelled {
		if now.Sub(ts) > cancelTTL {
			delete(d.cancelled, id)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) isCancelled(threadID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.cancelled[threadID]
	if !ok {
		return false
	}
	if time.Since(ts) > cancelTTL {
		delete(d.cancelled, threadID)
		return false
	}
	return true
}

// windowBreached reports whether the thread's hard reply window is gone.
func windowBreached(threadID string) bool {
	tm, err := store.GetTimer(threadID, models.ReplyWindow)
	if err != nil {
		return false
	}
	if tm.State == models.TimerBreached {
		return true
	}
	return tm.State == models.TimerActive && tm.Deadline <= time.Now().UnixNano()
}

func (d *Dispatcher) deliver(payload []byte) {
	var cmd models.OutboundCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logger.Error("dispatch_decode_failed", "error", err)
		return
	}
	metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(d.q.len()))

	if d.isCancelled(cmd.Thread) {
		d.report(cmd, models.DeliveryReceipt{}, &models.DeliveryError{
			Channel: cmd.Channel, Class: models.Terminal, Reason: "thread closed before delivery"})
		return
	}
	if windowBreached(cmd.Thread) {
		metrics.DispatchAttempts.WithLabelValues(string(cmd.Channel), "window_breached").Inc()
		d.report(cmd, models.DeliveryReceipt{}, &models.DeliveryError{
			Channel: cmd.Channel, Class: models.Terminal, Reason: "reply window breached"})
		return
	}

	adapter, err := d.registry.Get(cmd.Channel)
	if err != nil {
		d.report(cmd, models.DeliveryReceipt{}, &models.DeliveryError{
			Channel: cmd.Channel, Class: models.Terminal, Reason: err.Error()})
		return
	}

	receipt, derr := d.attempt(adapter, cmd)
	d.report(cmd, receipt, derr)
}

// attempt runs the bounded retry loop for one command.
func (d *Dispatcher) attempt(adapter adapters.Adapter, cmd models.OutboundCommand) (models.DeliveryReceipt, *models.DeliveryError) {
	maxAttempts := d.cfg.Dispatch.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := d.cfg.Dispatch.BackoffInitial.Std()
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	backoffMax := d.cfg.Dispatch.BackoffMax.Std()
	if backoffMax <= 0 {
		backoffMax = 8 * time.Second
	}
	attemptTimeout := d.cfg.Dispatch.AttemptTimeout.Std()
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}

	var lastErr *models.DeliveryError
	for n := 1; n <= maxAttempts; n++ {
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		receipt, err := adapter.Send(ctx, cmd)
		cancel()
		if err == nil {
			metrics.DispatchAttempts.WithLabelValues(string(cmd.Channel), "ok").Inc()
			return receipt, nil
		}

		var de *models.DeliveryError
		if !errors.As(err, &de) {
			de = &models.DeliveryError{Channel: cmd.Channel, Class: models.Retryable, Reason: err.Error()}
		}
		lastErr = de
		metrics.DispatchAttempts.WithLabelValues(string(cmd.Channel), "error").Inc()
		logger.Warn("dispatch_attempt_failed", "thread", cmd.Thread, "seq", cmd.Seq,
			"attempt", n, "class", de.Class, "reason", de.Reason)

		if de.Class == models.Terminal {
			return models.DeliveryReceipt{}, de
		}
		if n == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-d.stop:
			return models.DeliveryReceipt{}, lastErr
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
		// window may have expired while backing off
		if windowBreached(cmd.Thread) {
			return models.DeliveryReceipt{}, &models.DeliveryError{
				Channel: cmd.Channel, Class: models.Terminal, Reason: "reply window breached during retry"}
		}
	}
	return models.DeliveryReceipt{}, lastErr
}

func (d *Dispatcher) report(cmd models.OutboundCommand, receipt models.DeliveryReceipt, derr *models.DeliveryError) {
	if d.result != nil {
		d.result(cmd.Thread, cmd.Seq, receipt, derr)
	}
}

// Depth returns the current queue depth.
func (d *Dispatcher) Depth() int { return d.q.len() }
