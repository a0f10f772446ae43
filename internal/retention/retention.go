package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"guesthub/pkg/config"
	"guesthub/pkg/logger"
	"guesthub/pkg/store"
)

// Start launches the retention scheduler when enabled. Each run archives
// long-closed threads and purges expired dedup marks. Returns a cancel
// func; a disabled scheduler returns a no-op.
func Start(ctx context.Context, cfg *config.Config) (context.CancelFunc, error) {
	if !cfg.Retention.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Retention.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Retention.Cron)
	}

	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	logger.Info("retention_enabled", "cron", cronExpr, "closed_thread_period", cfg.Retention.ClosedThreadPeriod.Std().String())
	return cancel, nil
}

// runScheduler sleeps until each cron tick computed by gronx and runs one
// pass; cron parse failures back off rather than spin.
func runScheduler(ctx context.Context, cfg *config.Config, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(cfg); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single retention pass; exported for tests and admin
// triggers.
func RunOnce(cfg *config.Config) error {
	start := time.Now()

	period := cfg.Retention.ClosedThreadPeriod.Std()
	if period <= 0 {
		return fmt.Errorf("closed_thread_period not set")
	}
	cutoff := time.Now().Add(-period).UnixNano()
	archived, err := store.ArchiveClosedThreads(cutoff)
	if err != nil {
		return fmt.Errorf("archive closed threads: %w", err)
	}

	dedupWindow := cfg.Ingest.DedupWindow.Std()
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Minute
	}
	purged, err := store.PurgeDedupBefore(time.Now().Add(-dedupWindow).UnixNano())
	if err != nil {
		return fmt.Errorf("purge dedup marks: %w", err)
	}

	logger.AuditEvent("retention_run",
		"archived_threads", archived,
		"purged_dedup", purged,
		"took", time.Since(start).String())
	return nil
}
