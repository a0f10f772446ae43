package sla

import (
	"context"
	"sync"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/logger"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

// Breacher applies timer verdicts on the owning thread partition.
type Breacher interface {
	HandleBreach(tm models.SLATimer)
	UpdateUrgency(threadID string, u models.SLAUrgency)
	Close(ctx context.Context, threadID, staffID string) (models.Thread, error)
}

// Engine periodically sweeps persisted timers. Deadlines are enforced by
// the sweep, not by in-process timers, so breaches survive restarts: a
// timer that expired while the hub was down is caught on the first sweep.
type Engine struct {
	cfg   *config.Config
	orch  Breacher
	stop  chan struct{}
	done  sync.WaitGroup
	once  sync.Once
	sweep time.Duration
}

func New(cfg *config.Config, orch Breacher) *Engine {
	sweep := cfg.SLA.SweepInterval.Std()
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Engine{cfg: cfg, orch: orch, stop: make(chan struct{}), sweep: sweep}
}

// Start launches the sweep loop.
func (e *Engine) Start() {
	e.done.Add(1)
	go func() {
		defer e.done.Done()
		ticker := time.NewTicker(e.sweep)
		defer ticker.Stop()
		e.Sweep()
		for {
			select {
			case <-ticker.C:
				e.Sweep()
			case <-e.stop:
				return
			}
		}
	}()
	logger.Info("sla_engine_started", "interval", e.sweep.String())
}

// Stop halts the loop and waits for a running sweep to finish.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.done.Wait()
}

// Sweep makes one pass over persisted timers and idle threads. Exported
// so tests can drive it without the ticker.
func (e *Engine) Sweep() {
	now := time.Now().UnixNano()
	timers, err := store.ActiveTimers()
	if err != nil {
		logger.Error("sla_sweep_failed", "error", err)
		return
	}
	warn := e.cfg.SLA.WarnRatio
	if warn <= 0 || warn >= 1 {
		warn = 0.75
	}
	for _, tm := range timers {
		if tm.Deadline <= now {
			e.orch.HandleBreach(tm)
			continue
		}
		if tm.Kind != models.ResponseSLA || tm.ArmedTS == 0 {
			continue
		}
		total := tm.Deadline - tm.ArmedTS
		if total <= 0 {
			continue
		}
		if float64(now-tm.ArmedTS)/float64(total) >= warn {
			e.orch.UpdateUrgency(tm.Thread, models.UrgencyYellow)
		}
	}
	e.closeIdle(now)
}

// closeIdle closes threads with no traffic in either direction for the
// configured idle period.
func (e *Engine) closeIdle(now int64) {
	idle := e.cfg.SLA.IdleClose.Std()
	if idle <= 0 {
		return
	}
	threads, err := store.ListThreads("")
	if err != nil {
		logger.Error("idle_scan_failed", "error", err)
		return
	}
	for _, t := range threads {
		if !t.Status.Active() && t.Status != models.ThreadExpired {
			continue
		}
		last := t.LastInboundTS
		if t.LastOutboundTS > last {
			last = t.LastOutboundTS
		}
		if last == 0 {
			last = t.CreatedTS
		}
		if now-last < idle.Nanoseconds() {
			continue
		}
		if _, err := e.orch.Close(context.Background(), t.ID, "system"); err != nil {
			logger.Warn("idle_close_failed", "thread", t.ID, "error", err)
		}
	}
}

// Stats summarizes thread and timer state for the admin surface.
type Stats struct {
	Threads      map[models.ThreadStatus]int `json:"threads"`
	Urgency      map[models.SLAUrgency]int   `json:"urgency"`
	ActiveTimers map[models.TimerKind]int    `json:"active_timers"`
	OverdueNow   int                         `json:"overdue_now"`
}

// Snapshot computes current SLA statistics from the store.
func Snapshot() (Stats, error) {
	s := Stats{
		Threads:      make(map[models.ThreadStatus]int),
		Urgency:      make(map[models.SLAUrgency]int),
		ActiveTimers: make(map[models.TimerKind]int),
	}
	threads, err := store.ListThreads("")
	if err != nil {
		return s, err
	}
	for _, t := range threads {
		s.Threads[t.Status]++
		if t.Status.Active() && t.Urgency != "" {
			s.Urgency[t.Urgency]++
		}
	}
	timers, err := store.ActiveTimers()
	if err != nil {
		return s, err
	}
	now := time.Now().UnixNano()
	for _, tm := range timers {
		s.ActiveTimers[tm.Kind]++
		if tm.Deadline <= now {
			s.OverdueNow++
		}
	}
	return s, nil
}
