package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// AddResult is the synchronous outcome of an add submission.
type AddResult int

const (
	// AddAccepted means the entry was queued for persistence.
	AddAccepted AddResult = iota + 1
	// AddDuplicate means an entry with the same dedup key exists or is already queued.
	AddDuplicate
)

func (r AddResult) String() string {
	switch r {
	case AddAccepted:
		return "accepted"
	case AddDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// validate returns a ValidationError naming the first missing field.
func validate(req model.AddRequest) error {
	fields := []struct {
		name  string
		value string
	}{
		{"type", req.Type},
		{"nickname", req.Nickname},
		{"title", req.Title},
		{"href", req.Href},
		{"img", req.Img},
	}
	for _, f := range fields {
		if f.value == "" {
			return &ValidationError{Field: f.name}
		}
	}
	return nil
}

// AddEntry validates and deduplicates an entry, then queues it for persistence.
//
// A nil error with AddAccepted only means the entry was queued. Whether the durable write
// later succeeds is visible in the logs, not to the caller.
func (e *Engine) AddEntry(ctx context.Context, req model.AddRequest) (AddResult, error) {
	if err := validate(req); err != nil {
		e.logger.WarnContext(ctx, "rejected invalid entry", "error", err, "title", req.Title)
		return 0, err
	}
	entry := req.Entry()
	key := entry.Key()

	exists, err := e.cache.ExistsByDedupKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		e.logger.DebugContext(ctx, "entry existed", "title", entry.Title)
		return AddDuplicate, nil
	}
	if !e.reserve(key) {
		e.logger.DebugContext(ctx, "entry already queued", "title", entry.Title)
		return AddDuplicate, nil
	}

	item := addItem{id: uuid.New(), entry: entry}
	e.outstanding.Add(1)
	if !e.adds.Enqueue(item) {
		e.outstanding.Add(-1)
		e.release(key)
		return 0, ErrClosed
	}
	e.logger.DebugContext(ctx, "entry queued", "item", item.id, "title", entry.Title)
	return AddAccepted, nil
}

// reserve marks a dedup key as queued. It returns false if the key is already queued.
func (e *Engine) reserve(key model.DedupKey) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[key]; ok {
		return false
	}
	e.pending[key] = struct{}{}
	return true
}

func (e *Engine) release(key model.DedupKey) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, key)
}

func (e *Engine) drainAdds(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := e.adds.TryDequeue()
		if !ok {
			return
		}
		e.processAdd(ctx, item)
	}
}

func (e *Engine) processAdd(ctx context.Context, item addItem) {
	key := item.entry.Key()
	defer e.outstanding.Add(-1)
	defer e.release(key)

	e.gate.RLock()
	defer e.gate.RUnlock()

	log := e.logger.With("item", item.id, "title", item.entry.Title)

	// The cache may have changed since the item was queued.
	exists, err := e.cache.ExistsByDedupKey(ctx, key)
	if err != nil {
		log.ErrorContext(ctx, "dropped entry: cache lookup failed", "error", err)
		return
	}
	if exists {
		log.DebugContext(ctx, "entry existed")
		return
	}

	dctx, cancel := e.durable(ctx)
	id, inserted, err := e.store.InsertIfAbsent(dctx, item.entry)
	cancel()
	if err != nil {
		log.ErrorContext(ctx, "dropped entry",
			"error", &DurableStoreError{Op: "insert", Err: err},
			"type", item.entry.Type,
			"nickname", item.entry.Nickname,
		)
		return
	}
	if !inserted {
		// A true conflict: another writer persisted the tuple. Retrying cannot succeed.
		log.WarnContext(ctx, "miss-matched cache, entry already in durable store")
		return
	}

	entry := item.entry
	entry.ID = id
	if err := e.cache.RecordEntry(ctx, entry, cache.RecordOptions{Active: true, RegisterType: true}); err != nil {
		// The row is durable; the next rehydration repairs the cache.
		log.ErrorContext(ctx, "record entry in cache", "id", id, "error", err)
		return
	}
	log.InfoContext(ctx, "added new entry", "id", id, "type", entry.Type, "nickname", entry.Nickname)
}

// IsValidationError reports whether err is a rejected submission.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
