package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
)

// NoticeEntry queues a request to mark the entry read. It returns ErrNotFound when the
// cache has no entry with that id.
func (e *Engine) NoticeEntry(ctx context.Context, id int64) error {
	if id <= 0 {
		e.logger.WarnContext(ctx, "rejected notice", "id", id, "error", ErrNotFound)
		return ErrNotFound
	}
	exists, err := e.cache.ExistsByID(ctx, id)
	if err != nil {
		return fmt.Errorf("check entry %d: %w", id, err)
	}
	if !exists {
		e.logger.WarnContext(ctx, "rejected notice", "id", id, "error", ErrNotFound)
		return ErrNotFound
	}
	return e.enqueueNotice(ctx, id)
}

// NoticeContainer queues a notice for every unnoticed entry of one container and returns
// how many were queued. It returns ErrNotFound when the container has no active entries.
func (e *Engine) NoticeContainer(ctx context.Context, typ, nickname string) (int, error) {
	entries, err := e.cache.ActiveEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("read active entries: %w", err)
	}
	found := false
	queued := 0
	for _, entry := range entries {
		if entry.Type != typ || entry.Nickname != nickname {
			continue
		}
		found = true
		if entry.IsNoticed {
			continue
		}
		if err := e.enqueueNotice(ctx, entry.ID); err != nil {
			return queued, err
		}
		queued++
	}
	if !found {
		return 0, ErrNotFound
	}
	return queued, nil
}

func (e *Engine) enqueueNotice(ctx context.Context, id int64) error {
	item := noticeItem{id: uuid.New(), entryID: id}
	e.outstanding.Add(1)
	if !e.notices.Enqueue(item) {
		e.outstanding.Add(-1)
		return ErrClosed
	}
	e.logger.DebugContext(ctx, "notice queued", "item", item.id, "id", id)
	return nil
}

func (e *Engine) drainNotices(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := e.notices.TryDequeue()
		if !ok {
			return
		}
		e.processNotice(ctx, item)
	}
}

// processNotice commits one notice. A failed durable update is logged and dropped, not
// retried: the client resubmits, and a blind retry could write a second audit line.
func (e *Engine) processNotice(ctx context.Context, item noticeItem) {
	defer e.outstanding.Add(-1)

	e.gate.RLock()
	defer e.gate.RUnlock()

	log := e.logger.With("item", item.id, "id", item.entryID)

	dctx, cancel := e.durable(ctx)
	affected, err := e.store.UpdateNoticed(dctx, item.entryID)
	cancel()
	if err != nil {
		log.ErrorContext(ctx, "dropped notice", "error", &DurableStoreError{Op: "update noticed", Err: err})
		return
	}

	prior, err := e.cache.MarkNoticed(ctx, item.entryID)
	if affected == 0 {
		// The durable row was already read; only the cache may have lagged behind.
		if err != nil && !errors.Is(err, cache.ErrAlreadyNoticed) && !errors.Is(err, cache.ErrNotFound) {
			log.ErrorContext(ctx, "mark noticed in cache", "error", err)
		}
		log.DebugContext(ctx, "entry already noticed", "title", prior.Title)
		return
	}
	switch {
	case errors.Is(err, cache.ErrAlreadyNoticed):
		log.DebugContext(ctx, "entry already noticed", "title", prior.Title)
		return
	case errors.Is(err, cache.ErrNotFound):
		// Migrated or flushed while queued.
		log.WarnContext(ctx, "noticed entry missing from cache", "affected", affected)
		return
	case err != nil:
		log.ErrorContext(ctx, "mark noticed in cache", "error", err)
		return
	}
	log.InfoContext(ctx, "entry noticed",
		"title", prior.Title,
		"type", prior.Type,
		"nickname", prior.Nickname,
		"affected", affected,
	)
}
