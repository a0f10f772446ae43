package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

type fakeBreacher struct {
	mu       sync.Mutex
	breaches []models.SLATimer
	urgency  map[string]models.SLAUrgency
	closed   []string
}

func newFakeBreacher() *fakeBreacher {
	return &fakeBreacher{urgency: make(map[string]models.SLAUrgency)}
}

func (f *fakeBreacher) HandleBreach(tm models.SLATimer) {
	f.mu.Lock()
	f.breaches = append(f.breaches, tm)
	f.mu.Unlock()
}

func (f *fakeBreacher) UpdateUrgency(id string, u models.SLAUrgency) {
	f.mu.Lock()
	f.urgency[id] = u
	f.mu.Unlock()
}

func (f *fakeBreacher) Close(_ context.Context, id, _ string) (models.Thread, error) {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
	return models.Thread{ID: id, Status: models.ThreadClosed}, nil
}

func putTimer(t *testing.T, tm models.SLATimer) {
	t.Helper()
	rec, err := store.TimerRecord(tm)
	if err != nil {
		t.Fatalf("timer record: %v", err)
	}
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func putThread(t *testing.T, th models.Thread) {
	t.Helper()
	rec, err := store.ThreadRecord(th)
	if err != nil {
		t.Fatalf("thread record: %v", err)
	}
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func sweepSetup(t *testing.T) (*Engine, *fakeBreacher, *config.Config) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{}
	cfg.SLA.WarnRatio = 0.75
	fb := newFakeBreacher()
	return New(cfg, fb), fb, cfg
}

func TestSweepReportsOverdueTimers(t *testing.T) {
	e, fb, _ := sweepSetup(t)

	now := time.Now().UnixNano()
	putTimer(t, models.SLATimer{
		Thread: "t-late", Kind: models.ReplyWindow, State: models.TimerActive,
		ArmedTS: now - int64(2*time.Hour), Deadline: now - int64(time.Minute),
	})
	putTimer(t, models.SLATimer{
		Thread: "t-fine", Kind: models.ReplyWindow, State: models.TimerActive,
		ArmedTS: now, Deadline: now + int64(time.Hour),
	})

	e.Sweep()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.breaches) != 1 || fb.breaches[0].Thread != "t-late" {
		t.Fatalf("unexpected breaches: %+v", fb.breaches)
	}
}

func TestSweepWarnsBeforeDeadline(t *testing.T) {
	e, fb, _ := sweepSetup(t)

	now := time.Now().UnixNano()
	// 80% of the way there: past the warn ratio, not yet breached
	putTimer(t, models.SLATimer{
		Thread: "t-warn", Kind: models.ResponseSLA, State: models.TimerActive,
		ArmedTS: now - int64(8*time.Minute), Deadline: now + int64(2*time.Minute),
	})
	// 20% elapsed: nothing to report
	putTimer(t, models.SLATimer{
		Thread: "t-early", Kind: models.ResponseSLA, State: models.TimerActive,
		ArmedTS: now - int64(2*time.Minute), Deadline: now + int64(8*time.Minute),
	})

	e.Sweep()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.urgency["t-warn"] != models.UrgencyYellow {
		t.Fatalf("expected yellow for t-warn, got %q", fb.urgency["t-warn"])
	}
	if _, ok := fb.urgency["t-early"]; ok {
		t.Fatalf("t-early should not be flagged yet")
	}
	if len(fb.breaches) != 0 {
		t.Fatalf("nothing should breach: %+v", fb.breaches)
	}
}

func TestSweepClosesIdleThreads(t *testing.T) {
	e, fb, cfg := sweepSetup(t)
	cfg.SLA.IdleClose = config.Duration(time.Hour)

	now := time.Now().UnixNano()
	putThread(t, models.Thread{ID: "t-idle", Status: models.ThreadOpen, LastInboundTS: now - int64(2*time.Hour)})
	putThread(t, models.Thread{ID: "t-busy", Status: models.ThreadOpen, LastInboundTS: now - int64(time.Minute)})
	putThread(t, models.Thread{ID: "t-done", Status: models.ThreadClosed, LastInboundTS: now - int64(3*time.Hour)})
	putThread(t, models.Thread{ID: "t-expired", Status: models.ThreadExpired, LastInboundTS: now - int64(2*time.Hour)})

	e.Sweep()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	closed := map[string]bool{}
	for _, id := range fb.closed {
		closed[id] = true
	}
	if !closed["t-idle"] || !closed["t-expired"] {
		t.Fatalf("idle threads not closed: %v", fb.closed)
	}
	if closed["t-busy"] || closed["t-done"] {
		t.Fatalf("busy or already-closed thread touched: %v", fb.closed)
	}
}

func TestSnapshotCounts(t *testing.T) {
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Now().UnixNano()
	putThread(t, models.Thread{ID: "t-1", Status: models.ThreadOpen, Urgency: models.UrgencyGreen})
	putThread(t, models.Thread{ID: "t-2", Status: models.ThreadEscalated, Urgency: models.UrgencyRed})
	putThread(t, models.Thread{ID: "t-3", Status: models.ThreadClosed})
	putTimer(t, models.SLATimer{Thread: "t-1", Kind: models.ResponseSLA, State: models.TimerActive, ArmedTS: now, Deadline: now - 1})

	s, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.Threads[models.ThreadOpen] != 1 || s.Threads[models.ThreadEscalated] != 1 || s.Threads[models.ThreadClosed] != 1 {
		t.Fatalf("thread counts wrong: %+v", s.Threads)
	}
	if s.Urgency[models.UrgencyRed] != 1 {
		t.Fatalf("urgency counts wrong: %+v", s.Urgency)
	}
	if s.OverdueNow != 1 {
		t.Fatalf("overdue count wrong: %d", s.OverdueNow)
	}
}
