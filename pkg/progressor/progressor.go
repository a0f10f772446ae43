package progressor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guesthub/pkg/logger"
	"guesthub/pkg/store"
)

const (
	versionMeta    = "version"
	inProgressMeta = "migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for migration logic.
func Sync(ctx context.Context, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Migration: initialize NextSeq for threads that predate the sequence
	// counter by scanning stored messages and setting NextSeq to the highest
	// observed sequence plus one. Idempotent; safe to run repeatedly.
	threads, err := store.ListThreads("")
	if err != nil {
		logger.Error("progressor_list_threads_failed", "error", err)
		return err
	}
	for _, th := range threads {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if th.NextSeq != 0 {
			continue
		}
		msgs, err := store.ListMessages(th.ID, 0, 0)
		if err != nil {
			logger.Error("progressor_list_messages_failed", "thread", th.ID, "error", err)
			continue
		}
		var max uint64
		for _, m := range msgs {
			if m.Seq > max {
				max = m.Seq
			}
		}
		th.NextSeq = max + 1
		if th.NextUpdate == 0 {
			th.NextUpdate = 1
		}
		rec, err := store.ThreadRecord(th)
		if err != nil {
			logger.Error("progressor_encode_thread_failed", "thread", th.ID, "error", err)
			continue
		}
		if err := store.ApplyBatch([]store.Record{rec}); err != nil {
			logger.Error("progressor_save_thread_failed", "thread", th.ID, "error", err)
			continue
		}
		logger.Info("progressor_thread_seq_initialized", "thread", th.ID, "next_seq", th.NextSeq)
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, newVersion string) (bool, error) {
	stored := storedVersion()
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)

	if stored == newVersion {
		logger.Info("progressor_noop", "version", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := store.ApplyBatch([]store.Record{store.SysMetaRecord(inProgressMeta, string(mb))}); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("progressor_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	recs := []store.Record{
		store.SysMetaRecord(versionMeta, newVersion),
		{Key: "system:" + inProgressMeta, Delete: true},
	}
	if err := store.ApplyBatch(recs); err != nil {
		logger.Error("progressor_persist_version_failed", "version", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}

	logger.Info("progressor_version_persisted", "version", newVersion)
	return true, nil
}

func storedVersion() string {
	v, err := store.GetSysMeta(versionMeta)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("progressor_read_version_failed", "error", err)
	}
	return v
}
