// Package cache provides the fast-lookup mirror of durable entry state.
//
// A Cache answers existence questions (by id, by dedup key) and serves every read view. It
// is never authoritative: the durable store decides, and the cache is rebuilt from it on
// rehydration. Two backends satisfy the contract: Memory (in-process) and Redis (remote).
//
// The Redis backend performs each mutation as a few independent key operations without a
// transaction, so callers must tolerate momentarily inconsistent reads across keys.
package cache

import (
	"context"
	"errors"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

var (
	// ErrNotFound indicates that the id has no identity marker in the cache.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrAlreadyNoticed indicates that MarkNoticed was already applied to the id.
	ErrAlreadyNoticed = errors.New("cache: entry already noticed")
)

// RecordOptions selects which projections RecordEntry updates besides the identity and
// dedup markers.
type RecordOptions struct {
	// Active appends the entry to the active list (and the unnoticed projection when the
	// entry is unnoticed).
	Active bool
	// RegisterType adds the entry's type to the type registry if it is new.
	RegisterType bool
}

// Stats holds projection sizes for monitoring and the migration threshold.
type Stats struct {
	Active    int
	Unnoticed int
	Archived  int
	Types     int
}

// Noticed returns the number of active entries with the notice flag set.
func (s Stats) Noticed() int {
	return s.Active - s.Unnoticed
}

// Cache is the contract shared by every cache backend.
type Cache interface {
	// ExistsByDedupKey reports whether an entry with the key exists in either tier.
	ExistsByDedupKey(ctx context.Context, key model.DedupKey) (bool, error)
	// ExistsByID reports whether the id has an identity marker.
	ExistsByID(ctx context.Context, id int64) (bool, error)

	// RecordEntry idempotently records the identity and dedup markers of a persisted entry.
	RecordEntry(ctx context.Context, e model.Entry, opts RecordOptions) error
	// RecordArchived records archive-tier entries: dedup marker and archive membership.
	RecordArchived(ctx context.Context, entries []model.Entry) error
	// MarkNoticed flips the notice flag of an active entry and returns its prior snapshot.
	// It returns ErrNotFound for unknown ids and ErrAlreadyNoticed on repeated calls.
	MarkNoticed(ctx context.Context, id int64) (model.Entry, error)
	// RemoveActive drops entries from the active projections and their identity markers.
	// Dedup markers are kept so the entries still count as duplicates.
	RemoveActive(ctx context.Context, ids []int64) error
	// SetTypes replaces the type registry without emitting growth events.
	SetTypes(ctx context.Context, types []string) error

	Types(ctx context.Context) ([]string, error)
	ActiveEntries(ctx context.Context) ([]model.Entry, error)
	UnnoticedEntries(ctx context.Context) ([]model.Entry, error)
	ArchivedEntries(ctx context.Context) ([]model.Entry, error)
	Stats(ctx context.Context) (Stats, error)

	// Flush clears all state. Used only by full rehydration.
	Flush(ctx context.Context) error
	// DebugSnapshot enumerates cache contents for diagnostics.
	DebugSnapshot(ctx context.Context) ([]string, error)

	Close() error
}
