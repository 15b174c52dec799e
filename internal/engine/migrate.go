package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/subscriptiondb/internal/database"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// MigrationReport summarizes one tier migration pass.
type MigrationReport struct {
	Moved          int
	ActiveBefore   int64
	ArchivedBefore int64
	ActiveAfter    int64
	ArchivedAfter  int64
	Duration       time.Duration
}

// Migrate moves every noticed active entry into the archive tier, updates the cache and
// then rebuilds it from the durable store. Both pipelines are paused for the whole pass.
func (e *Engine) Migrate(ctx context.Context) (MigrationReport, error) {
	e.gate.Lock()
	defer e.gate.Unlock()

	report, err := e.migrateLocked(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "tier migration failed", "error", err)
		return report, err
	}
	e.logger.InfoContext(ctx, "tier migration finished",
		"moved", report.Moved,
		"active", report.ActiveAfter,
		"archived", report.ArchivedAfter,
		"duration", report.Duration,
	)
	return report, nil
}

func (e *Engine) migrateLocked(ctx context.Context) (MigrationReport, error) {
	start := e.cfg.now()
	var report MigrationReport

	dctx, cancel := e.durable(ctx)
	active, archived, err := e.store.Counts(dctx)
	cancel()
	if err != nil {
		return report, &MigrationError{Stage: "count before", Err: err}
	}
	report.ActiveBefore, report.ArchivedBefore = active, archived

	dctx, cancel = e.durable(ctx)
	moved, err := e.store.MigrateNoticedToArchive(dctx)
	cancel()
	if err != nil {
		return report, &MigrationError{Stage: "move", Err: err}
	}
	report.Moved = len(moved)

	dctx, cancel = e.durable(ctx)
	active, archived, err = e.store.Counts(dctx)
	cancel()
	if err != nil {
		return report, &MigrationError{Stage: "count after", Err: err}
	}
	report.ActiveAfter, report.ArchivedAfter = active, archived
	if report.ActiveBefore+report.ArchivedBefore != report.ActiveAfter+report.ArchivedAfter {
		return report, &MigrationError{
			Stage: "verify",
			Err: fmt.Errorf("tier totals changed from %d to %d",
				report.ActiveBefore+report.ArchivedBefore, report.ActiveAfter+report.ArchivedAfter),
		}
	}

	if err := e.applyMoved(ctx, moved); err != nil {
		// The durable move committed; the rehydration below rebuilds the cache anyway.
		e.logger.WarnContext(ctx, "apply migration to cache", "error", err)
	}
	if _, err := e.rehydrateLocked(ctx); err != nil {
		return report, &MigrationError{Stage: "rehydrate", Err: err}
	}

	dctx, cancel = e.durable(ctx)
	err = e.store.SetSetting(dctx, model.SettingLastMigration, e.cfg.now().UTC().Format(time.RFC3339))
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "record migration time", "error", err)
	}
	report.Duration = e.cfg.now().Sub(start)
	return report, nil
}

// applyMoved drops moved entries from the active projections and records them as archived,
// keeping their dedup markers.
func (e *Engine) applyMoved(ctx context.Context, moved []model.Entry) error {
	if len(moved) == 0 {
		return nil
	}
	ids := make([]int64, len(moved))
	for i, m := range moved {
		ids[i] = m.ID
	}
	if err := e.cache.RemoveActive(ctx, ids); err != nil {
		return fmt.Errorf("remove active: %w", err)
	}
	if err := e.cache.RecordArchived(ctx, moved); err != nil {
		return fmt.Errorf("record archived: %w", err)
	}
	return nil
}

// runMigrationTimer migrates once per migrate interval, measured from the last successful
// migration recorded in the durable store so restarts do not reset the schedule. A failed
// pass is retried after the shorter of the migrate and rehydrate intervals.
func (e *Engine) runMigrationTimer(ctx context.Context) {
	delay := e.nextMigrationDelay(ctx)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := e.Migrate(ctx); err != nil {
			delay = min(e.cfg.migrateInterval, e.cfg.rehydrateInterval)
			e.logger.WarnContext(ctx, "migration retry scheduled", "delay", delay)
			continue
		}
		delay = e.cfg.migrateInterval
	}
}

func (e *Engine) nextMigrationDelay(ctx context.Context) time.Duration {
	dctx, cancel := e.durable(ctx)
	val, err := e.store.GetSetting(dctx, model.SettingLastMigration)
	cancel()
	if err != nil {
		if !errors.Is(err, database.ErrSettingNotFound) {
			e.logger.WarnContext(ctx, "read last migration time", "error", err)
		}
		return e.cfg.migrateInterval
	}
	last, err := time.Parse(time.RFC3339, val)
	if err != nil {
		e.logger.WarnContext(ctx, "parse last migration time", "value", val, "error", err)
		return e.cfg.migrateInterval
	}
	delay := last.Add(e.cfg.migrateInterval).Sub(e.cfg.now())
	if delay < 0 {
		return 0
	}
	return delay
}
