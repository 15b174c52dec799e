package engine

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// Views are built from the cache only and never wait on a drain. They may lag the durable
// store by up to one rehydration interval.

// ActiveContainers groups every active entry by container.
func (e *Engine) ActiveContainers(ctx context.Context) (model.View, error) {
	entries, err := e.cache.ActiveEntries(ctx)
	if err != nil {
		return model.View{}, fmt.Errorf("read active entries: %w", err)
	}
	return e.view(ctx, entries)
}

// UnnoticedContainers groups the unnoticed active entries. Containers without unnoticed
// entries are omitted.
func (e *Engine) UnnoticedContainers(ctx context.Context) (model.View, error) {
	entries, err := e.cache.UnnoticedEntries(ctx)
	if err != nil {
		return model.View{}, fmt.Errorf("read unnoticed entries: %w", err)
	}
	return e.view(ctx, entries)
}

// FilteredContainers returns the active entries of a single container.
func (e *Engine) FilteredContainers(ctx context.Context, typ, nickname string) (model.View, error) {
	entries, err := e.cache.ActiveEntries(ctx)
	if err != nil {
		return model.View{}, fmt.Errorf("read active entries: %w", err)
	}
	matched := entries[:0:0]
	for _, entry := range entries {
		if entry.Type == typ && entry.Nickname == nickname {
			matched = append(matched, entry)
		}
	}
	return e.view(ctx, matched)
}

// ArchivedContainers groups the archive tier.
func (e *Engine) ArchivedContainers(ctx context.Context) (model.View, error) {
	entries, err := e.cache.ArchivedEntries(ctx)
	if err != nil {
		return model.View{}, fmt.Errorf("read archived entries: %w", err)
	}
	return e.view(ctx, entries)
}

// Types returns the type registry in ascending order.
func (e *Engine) Types(ctx context.Context) ([]string, error) {
	return e.cache.Types(ctx)
}

func (e *Engine) view(ctx context.Context, entries []model.Entry) (model.View, error) {
	types, err := e.cache.Types(ctx)
	if err != nil {
		return model.View{}, fmt.Errorf("read types: %w", err)
	}
	containers := model.GroupContainers(entries)
	if types == nil {
		types = []string{}
	}
	if containers == nil {
		containers = []model.Container{}
	}
	return model.View{Types: types, Container: containers}, nil
}
