package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
)

// RehydrateReport summarizes one cache rebuild.
type RehydrateReport struct {
	Active   int
	Noticed  int
	Archived int
	Types    int
	Duration time.Duration
	Migrated bool
}

// Rehydrate rebuilds the cache from the durable store. When the number of noticed active
// entries reaches the migration threshold, a migration pass follows.
func (e *Engine) Rehydrate(ctx context.Context) (RehydrateReport, error) {
	e.gate.Lock()
	report, err := e.rehydrateLocked(ctx)
	e.gate.Unlock()
	if err != nil {
		e.logger.ErrorContext(ctx, "cache rehydration failed", "error", err)
		return report, err
	}
	e.logger.InfoContext(ctx, "cache rehydrated",
		"active", report.Active,
		"noticed", report.Noticed,
		"archived", report.Archived,
		"types", report.Types,
		"duration", report.Duration,
	)

	if e.cfg.migrateThreshold > 0 && report.Noticed >= e.cfg.migrateThreshold {
		e.logger.InfoContext(ctx, "migration threshold reached",
			"noticed", report.Noticed, "threshold", e.cfg.migrateThreshold)
		if _, err := e.Migrate(ctx); err == nil {
			report.Migrated = true
		}
	}
	return report, nil
}

// rehydrateLocked requires the gate to be held exclusively. Rows are loaded before the
// flush so a failed load leaves the previous cache in place.
func (e *Engine) rehydrateLocked(ctx context.Context) (RehydrateReport, error) {
	start := e.cfg.now()
	var report RehydrateReport

	dctx, cancel := e.durable(ctx)
	active, err := e.store.ActiveEntries(dctx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("load active entries: %w", err)
	}
	dctx, cancel = e.durable(ctx)
	archived, err := e.store.ArchivedEntries(dctx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("load archived entries: %w", err)
	}

	if err := e.cache.Flush(ctx); err != nil {
		return report, fmt.Errorf("flush cache: %w", err)
	}

	types := make(map[string]struct{})
	for _, entry := range active {
		if err := e.cache.RecordEntry(ctx, entry, cache.RecordOptions{Active: true}); err != nil {
			return report, fmt.Errorf("record entry %d: %w", entry.ID, err)
		}
		types[entry.Type] = struct{}{}
		if entry.IsNoticed {
			report.Noticed++
		}
	}
	if err := e.cache.RecordArchived(ctx, archived); err != nil {
		return report, fmt.Errorf("record archived entries: %w", err)
	}
	for _, entry := range archived {
		types[entry.Type] = struct{}{}
	}

	registry := make([]string, 0, len(types))
	for t := range types {
		registry = append(registry, t)
	}
	sort.Strings(registry)
	if err := e.cache.SetTypes(ctx, registry); err != nil {
		return report, fmt.Errorf("set types: %w", err)
	}

	report.Active = len(active)
	report.Archived = len(archived)
	report.Types = len(registry)
	report.Duration = e.cfg.now().Sub(start)
	return report, nil
}
