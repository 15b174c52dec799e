package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// Memory is the in-process cache backend.
type Memory struct {
	logger *slog.Logger

	mu       sync.RWMutex
	ids      map[int64]model.DedupKey
	active   map[int64]model.Entry
	dedup    map[model.DedupKey]struct{}
	archived map[int64]model.Entry
	types    map[string]struct{}
}

// Ensure Memory implements Cache interface.
var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{logger: logger}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.ids = make(map[int64]model.DedupKey)
	m.active = make(map[int64]model.Entry)
	m.dedup = make(map[model.DedupKey]struct{})
	m.archived = make(map[int64]model.Entry)
	m.types = make(map[string]struct{})
}

func (m *Memory) ExistsByDedupKey(_ context.Context, key model.DedupKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dedup[key]
	return ok, nil
}

func (m *Memory) ExistsByID(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

func (m *Memory) RecordEntry(_ context.Context, e model.Entry, opts RecordOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.Key()
	m.ids[e.ID] = key
	m.dedup[key] = struct{}{}
	if opts.Active {
		m.active[e.ID] = e
	}
	if opts.RegisterType && e.Type != "" {
		if _, ok := m.types[e.Type]; !ok {
			m.types[e.Type] = struct{}{}
			m.logger.Info("registered new type", "type", e.Type)
		}
	}
	return nil
}

func (m *Memory) RecordArchived(_ context.Context, entries []model.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.dedup[e.Key()] = struct{}{}
		m.archived[e.ID] = e
	}
	return nil
}

func (m *Memory) MarkNoticed(_ context.Context, id int64) (model.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An identity marker without an active row has nothing to flip.
	e, ok := m.active[id]
	if !ok {
		return model.Entry{}, ErrNotFound
	}
	if e.IsNoticed {
		return e, ErrAlreadyNoticed
	}
	prior := e
	e.IsNoticed = true
	m.active[id] = e
	return prior, nil
}

func (m *Memory) RemoveActive(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.active, id)
		delete(m.ids, id)
	}
	return nil
}

func (m *Memory) SetTypes(_ context.Context, types []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = make(map[string]struct{}, len(types))
	for _, t := range types {
		m.types[t] = struct{}{}
	}
	return nil
}

func (m *Memory) Types(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.types))
	for t := range m.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func (m *Memory) ActiveEntries(_ context.Context) ([]model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.active, func(model.Entry) bool { return true }), nil
}

func (m *Memory) UnnoticedEntries(_ context.Context) ([]model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.active, func(e model.Entry) bool { return !e.IsNoticed }), nil
}

func (m *Memory) ArchivedEntries(_ context.Context) ([]model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.archived, func(model.Entry) bool { return true }), nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Active: len(m.active), Archived: len(m.archived), Types: len(m.types)}
	for _, e := range m.active {
		if !e.IsNoticed {
			s.Unnoticed++
		}
	}
	return s, nil
}

func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

func (m *Memory) DebugSnapshot(ctx context.Context) ([]string, error) {
	active, _ := m.ActiveEntries(ctx)
	archived, _ := m.ArchivedEntries(ctx)
	types, _ := m.Types(ctx)

	lines := make([]string, 0, len(active)+len(archived)+len(types))
	for i, e := range active {
		lines = append(lines, fmt.Sprintf("mutable[%d] = %s", i+1, describe(e)))
	}
	for i, e := range archived {
		lines = append(lines, fmt.Sprintf("persistent[%d] = %s", i+1, describe(e)))
	}
	for i, t := range types {
		lines = append(lines, fmt.Sprintf("types[%d] = %q", i+1, t))
	}
	return lines, nil
}

func (m *Memory) Close() error {
	return nil
}

func sortedEntries(src map[int64]model.Entry, keep func(model.Entry) bool) []model.Entry {
	out := make([]model.Entry, 0, len(src))
	for _, e := range src {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func describe(e model.Entry) string {
	return fmt.Sprintf("{id=%d type=%q nickname=%q title=%q noticed=%t}", e.ID, e.Type, e.Nickname, e.Title, e.IsNoticed)
}
