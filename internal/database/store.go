// Package database provides the durable storage backends for entries.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// ErrSettingNotFound is returned by GetSetting when the key has never been written.
var ErrSettingNotFound = errors.New("database: setting not found")

// Store defines the interface for durable entry operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
//
// Entries live in one of two tables: the active tier ("mutable") and the archive tier
// ("persistent"). A dedup tuple (type, nickname, title, href, img) is unique across both.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// InsertIfAbsent inserts the entry into the active tier unless an entry with the same
	// dedup tuple exists in either tier. inserted is false when another writer got there first.
	InsertIfAbsent(ctx context.Context, e model.Entry) (id int64, inserted bool, err error)

	// UpdateNoticed sets the notice flag on an active entry. It reports the number of rows
	// changed, which is zero when the id is unknown or the entry is already noticed.
	UpdateNoticed(ctx context.Context, id int64) (int64, error)

	// MigrateNoticedToArchive moves every noticed active entry into the archive tier
	// atomically and returns the moved entries.
	MigrateNoticedToArchive(ctx context.Context) ([]model.Entry, error)

	// Bulk reads used by cache rehydration.
	ActiveEntries(ctx context.Context) ([]model.Entry, error)
	ArchivedEntries(ctx context.Context) ([]model.Entry, error)

	// Counts returns the number of rows in each tier.
	Counts(ctx context.Context) (active, archived int64, err error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

const entryColumns = "id, type, nickname, title, href, img, isnoticed"

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows rowScanner) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		if err := rows.Scan(&e.ID, &e.Type, &e.Nickname, &e.Title, &e.Href, &e.Img, &e.IsNoticed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Open opens the backend named by driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		db, err := New(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
