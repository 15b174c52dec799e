// Package engine implements the write-behind pipeline between clients, the entry cache and
// the durable store.
//
// Writes are validated and deduplicated synchronously, then queued. One drain goroutine per
// pipeline persists queued items one at a time and mirrors each success into the cache.
// Readers only ever touch the cache. A periodic rehydration rebuilds the cache from the
// durable store, and a tier migration moves noticed entries into the archive.
//
// Drains, migration and rehydration share a gate: drains hold it for reading per item,
// migration and rehydration hold it exclusively. Enqueueing never touches the gate.
//
// Durable write failures during a drain are logged and the item is dropped. The submitting
// caller has already been answered and is not notified.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
	"github.com/bryan-buckman/subscriptiondb/internal/database"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// Engine owns the pipelines, the migration scheduler and the rehydrator.
type Engine struct {
	store  database.Store
	cache  cache.Cache
	cfg    config
	logger *slog.Logger

	gate sync.RWMutex

	adds    *queue[addItem]
	notices *queue[noticeItem]

	pendingMu sync.Mutex
	pending   map[model.DedupKey]struct{}

	// outstanding counts queued plus in-flight items across both pipelines.
	outstanding atomic.Int64
	running     atomic.Bool
	ready       chan struct{}
}

type addItem struct {
	id    uuid.UUID
	entry model.Entry
}

type noticeItem struct {
	id      uuid.UUID
	entryID int64
}

// New creates an engine over the given durable store and cache. The caller owns both and
// closes them after the engine has stopped.
func New(store database.Store, c cache.Cache, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:   store,
		cache:   c,
		cfg:     cfg,
		logger:  cfg.logger,
		adds:    newQueue[addItem](),
		notices: newQueue[noticeItem](),
		pending: make(map[model.DedupKey]struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the startup rehydration has completed.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Run rehydrates the cache, then drives the pipeline drains and periodic jobs until ctx is
// cancelled. A failed startup rehydration is returned; later failures are only logged.
//
// Must be called at most once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.logger.Info("engine starting", "database", e.store.DatabaseType())

	if _, err := e.Rehydrate(ctx); err != nil {
		return err
	}
	close(e.ready)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.drain(ctx, "add", e.adds.Wait, e.drainAdds)
		return nil
	})
	g.Go(func() error {
		e.drain(ctx, "notice", e.notices.Wait, e.drainNotices)
		return nil
	})
	g.Go(func() error {
		e.every(ctx, e.cfg.statsInterval, e.logStats)
		return nil
	})
	g.Go(func() error {
		e.every(ctx, e.cfg.rehydrateInterval, func(ctx context.Context) {
			_, _ = e.Rehydrate(ctx)
		})
		return nil
	})
	g.Go(func() error {
		e.runMigrationTimer(ctx)
		return nil
	})
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// Close rejects further submissions. Items already queued are still drained by Run until its
// context is cancelled.
func (e *Engine) Close() {
	e.adds.Close()
	e.notices.Close()
}

// WaitIdle blocks until every queued item has been processed or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.outstanding.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns the number of queued add and notice items.
func (e *Engine) Pending() (adds, notices int) {
	return e.adds.Len(), e.notices.Len()
}

// drain runs one pipeline's consumer. process is invoked once per wake-up and processes
// items until the queue is empty, so invocations never overlap.
func (e *Engine) drain(ctx context.Context, name string, wait func() <-chan struct{}, process func(context.Context)) {
	defer e.logger.Info("drain stopped", "pipeline", name)
	for {
		process(ctx)
		select {
		case <-ctx.Done():
			// Persist what is already queued before returning.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.shutdownTimeout)
			process(shutdownCtx)
			cancel()
			return
		case _, ok := <-wait():
			if !ok {
				// Closed: nothing new can arrive once the backlog is served.
				process(ctx)
				<-ctx.Done()
				return
			}
		}
	}
}

// every calls fn on each tick until ctx is cancelled. fn runs synchronously, so a slow run
// delays the next tick instead of overlapping it.
func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// durable bounds one durable store call.
func (e *Engine) durable(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.callTimeout)
}

func (e *Engine) logStats(ctx context.Context) {
	stats, err := e.cache.Stats(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "read cache stats", "error", err)
		return
	}
	adds, notices := e.Pending()
	e.logger.InfoContext(ctx, "cache stats",
		"active", stats.Active,
		"unnoticed", stats.Unnoticed,
		"archived", stats.Archived,
		"types", stats.Types,
		"queued_adds", adds,
		"queued_notices", notices,
	)
	if e.logger.Enabled(ctx, slog.LevelDebug) {
		lines, err := e.cache.DebugSnapshot(ctx)
		if err != nil {
			e.logger.DebugContext(ctx, "cache snapshot failed", "error", err)
			return
		}
		for _, line := range lines {
			e.logger.DebugContext(ctx, "cache state", "line", line)
		}
	}
}

// Stats returns the current cache projection sizes.
func (e *Engine) Stats(ctx context.Context) (cache.Stats, error) {
	return e.cache.Stats(ctx)
}

// DebugSnapshot enumerates the cache contents for diagnostics.
func (e *Engine) DebugSnapshot(ctx context.Context) ([]string, error) {
	return e.cache.DebugSnapshot(ctx)
}
