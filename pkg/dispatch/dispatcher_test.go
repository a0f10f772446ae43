package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"guesthub/pkg/adapters"
	"guesthub/pkg/config"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

type fakeAdapter struct {
	ch    models.Channel
	mu    sync.Mutex
	calls int
	send  func(n int) (models.DeliveryReceipt, error)
}

func (f *fakeAdapter) Channel() models.Channel { return f.ch }

func (f *fakeAdapter) Normalize([]byte) (models.UnifiedEvent, error) {
	return models.UnifiedEvent{}, nil
}

func (f *fakeAdapter) Send(_ context.Context, _ models.OutboundCommand) (models.DeliveryReceipt, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.send(n)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type verdict struct {
	thread  string
	seq     uint64
	receipt models.DeliveryReceipt
	derr    *models.DeliveryError
}

func fastConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Dispatch.MaxAttempts = 3
	cfg.Dispatch.BackoffInitial = config.Duration(time.Millisecond)
	cfg.Dispatch.BackoffMax = config.Duration(2 * time.Millisecond)
	cfg.Dispatch.AttemptTimeout = config.Duration(time.Second)
	return cfg
}

func newTestDispatcher(t *testing.T, fa *fakeAdapter) (*Dispatcher, *[]verdict) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := adapters.NewRegistry()
	reg.Register(fa)

	var mu sync.Mutex
	verdicts := &[]verdict{}
	d := New(fastConfig(), reg, func(thread string, seq uint64, r models.DeliveryReceipt, e *models.DeliveryError) {
		mu.Lock()
		*verdicts = append(*verdicts, verdict{thread, seq, r, e})
		mu.Unlock()
	})
	return d, verdicts
}

func mustPayload(t *testing.T, cmd models.OutboundCommand) []byte {
	t.Helper()
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDeliverSuccess(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{ProviderMsgID: "prov-1", Status: models.DeliverySent}, nil
	}}
	d, verdicts := newTestDispatcher(t, fa)

	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 2, Channel: models.ChannelWhatsApp}))

	if len(*verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(*verdicts))
	}
	v := (*verdicts)[0]
	if v.derr != nil || v.receipt.ProviderMsgID != "prov-1" || v.seq != 2 {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if fa.callCount() != 1 {
		t.Fatalf("expected exactly one send, got %d", fa.callCount())
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(n int) (models.DeliveryReceipt, error) {
		if n < 3 {
			return models.DeliveryReceipt{}, &models.DeliveryError{Class: models.Retryable, Reason: "provider 500"}
		}
		return models.DeliveryReceipt{Status: models.DeliverySent}, nil
	}}
	d, verdicts := newTestDispatcher(t, fa)

	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}))

	if fa.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fa.callCount())
	}
	if v := (*verdicts)[0]; v.derr != nil {
		t.Fatalf("expected success after retries: %+v", v.derr)
	}
}

func TestDeliverGivesUpAtAttemptCeiling(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{}, &models.DeliveryError{Class: models.Retryable, Reason: "timeout"}
	}}
	d, verdicts := newTestDispatcher(t, fa)

	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}))

	if fa.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fa.callCount())
	}
	v := (*verdicts)[0]
	if v.derr == nil || v.derr.Class != models.Retryable {
		t.Fatalf("expected retryable failure verdict: %+v", v)
	}
}

func TestDeliverTerminalStopsImmediately(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{}, &models.DeliveryError{Class: models.Terminal, Reason: "recipient blocked"}
	}}
	d, verdicts := newTestDispatcher(t, fa)

	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}))

	if fa.callCount() != 1 {
		t.Fatalf("terminal errors must not retry, got %d attempts", fa.callCount())
	}
	if v := (*verdicts)[0]; v.derr == nil || v.derr.Class != models.Terminal {
		t.Fatalf("expected terminal verdict: %+v", v)
	}
}

func TestBreachedWindowFailsWithoutProviderCall(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{Status: models.DeliverySent}, nil
	}}
	d, verdicts := newTestDispatcher(t, fa)

	rec, err := store.TimerRecord(models.SLATimer{
		Thread: "t-1", Kind: models.ReplyWindow, State: models.TimerBreached,
		Deadline: time.Now().Add(-time.Hour).UnixNano(),
	})
	if err != nil {
		t.Fatalf("timer record: %v", err)
	}
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}))

	if fa.callCount() != 0 {
		t.Fatalf("provider must not be called on a breached window")
	}
	v := (*verdicts)[0]
	if v.derr == nil || v.derr.Class != models.Terminal {
		t.Fatalf("expected terminal window verdict: %+v", v)
	}
}

func TestCancelledThreadSkipsDelivery(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{Status: models.DeliverySent}, nil
	}}
	d, verdicts := newTestDispatcher(t, fa)

	d.CancelThread("t-1")
	d.deliver(mustPayload(t, models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}))

	if fa.callCount() != 0 {
		t.Fatalf("cancelled thread must not reach the provider")
	}
	if v := (*verdicts)[0]; v.derr == nil || v.derr.Class != models.Terminal {
		t.Fatalf("expected terminal verdict for cancelled thread: %+v", v)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{}, nil
	}}
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := fastConfig()
	cfg.Dispatch.QueueCapacity = 1
	reg := adapters.NewRegistry()
	reg.Register(fa)
	d := New(cfg, reg, nil)

	if err := d.Enqueue(models.OutboundCommand{Thread: "t-1", Seq: 1}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.Enqueue(models.OutboundCommand{Thread: "t-1", Seq: 2}); err == nil {
		t.Fatalf("expected queue-full error")
	}
	if d.Depth() != 1 {
		t.Fatalf("depth should stay at capacity, got %d", d.Depth())
	}
}

func TestWorkerLoopEndToEnd(t *testing.T) {
	done := make(chan struct{})
	fa := &fakeAdapter{ch: models.ChannelWhatsApp, send: func(int) (models.DeliveryReceipt, error) {
		return models.DeliveryReceipt{Status: models.DeliverySent}, nil
	}}
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	reg := adapters.NewRegistry()
	reg.Register(fa)
	d := New(fastConfig(), reg, func(string, uint64, models.DeliveryReceipt, *models.DeliveryError) {
		close(done)
	})
	d.Start(1)
	defer d.Stop()

	if err := d.Enqueue(models.OutboundCommand{Thread: "t-1", Seq: 1, Channel: models.ChannelWhatsApp}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never delivered")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp}
	d, _ := newTestDispatcher(t, fa)

	for i := 0; i < 3; i++ {
		cmd := models.OutboundCommand{Thread: "th-1", Seq: uint64(i + 1), Channel: models.ChannelWhatsApp}
		if err := d.Enqueue(cmd); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if d.Depth() != 3 {
		t.Fatalf("depth before stop: %d", d.Depth())
	}

	d.Stop()
	if d.Depth() != 0 {
		t.Fatalf("stop should release queued commands, depth %d", d.Depth())
	}
	if err := d.Enqueue(models.OutboundCommand{Thread: "th-1", Seq: 9, Channel: models.ChannelWhatsApp}); err != ErrStopped {
		t.Fatalf("enqueue after stop: %v", err)
	}
}

func TestCancelMarkersExpire(t *testing.T) {
	fa := &fakeAdapter{ch: models.ChannelWhatsApp}
	d, _ := newTestDispatcher(t, fa)

	prev := cancelTTL
	cancelTTL = 10 * time.Millisecond
	t.Cleanup(func() { cancelTTL = prev })

	d.CancelThread("th-old")
	if !d.isCancelled("th-old") {
		t.Fatalf("fresh marker should cancel")
	}
	time.Sleep(25 * time.Millisecond)
	d.CancelThread("th-new")

	d.mu.Lock()
	_, stale := d.cancelled["th-old"]
	d.mu.Unlock()
	if stale {
		t.Fatalf("expired marker should have been swept")
	}
	if d.isCancelled("th-old") {
		t.Fatalf("expired marker should no longer cancel")
	}
	if !d.isCancelled("th-new") {
		t.Fatalf("fresh marker lost")
	}
}
