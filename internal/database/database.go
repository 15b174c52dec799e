package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only allows one writer; a single connection also keeps pragmas in effect.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutable (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		nickname TEXT NOT NULL,
		title TEXT NOT NULL,
		href TEXT NOT NULL,
		img TEXT NOT NULL,
		isnoticed INTEGER NOT NULL DEFAULT 0,
		UNIQUE(type, nickname, title, href, img)
	);
	CREATE TABLE IF NOT EXISTS persistent (
		id INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		nickname TEXT NOT NULL,
		title TEXT NOT NULL,
		href TEXT NOT NULL,
		img TEXT NOT NULL,
		isnoticed INTEGER NOT NULL DEFAULT 1,
		UNIQUE(type, nickname, title, href, img)
	);
	CREATE INDEX IF NOT EXISTS idx_mutable_isnoticed ON mutable(isnoticed);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Entry Methods ---

// InsertIfAbsent adds an entry to the active tier if its dedup tuple is unused in both tiers.
func (db *DB) InsertIfAbsent(ctx context.Context, e model.Entry) (int64, bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO mutable (type, nickname, title, href, img, isnoticed)
		SELECT ?1, ?2, ?3, ?4, ?5, 0
		WHERE NOT EXISTS (
			SELECT 1 FROM persistent
			WHERE type = ?1 AND nickname = ?2 AND title = ?3 AND href = ?4 AND img = ?5
		)
		ON CONFLICT(type, nickname, title, href, img) DO NOTHING`,
		e.Type, e.Nickname, e.Title, e.Href, e.Img)
	if err != nil {
		return 0, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// UpdateNoticed marks an active entry as noticed.
func (db *DB) UpdateNoticed(ctx context.Context, id int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "UPDATE mutable SET isnoticed = 1 WHERE id = ? AND isnoticed = 0", id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MigrateNoticedToArchive moves noticed entries to the archive tier inside one transaction.
func (db *DB) MigrateNoticedToArchive(ctx context.Context) ([]model.Entry, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+entryColumns+" FROM mutable WHERE isnoticed = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}
	moved, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return nil, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO persistent (`+entryColumns+`)
		SELECT `+entryColumns+` FROM mutable WHERE isnoticed = 1`)
	if err != nil {
		return nil, fmt.Errorf("copy to archive: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	res, err = tx.ExecContext(ctx, "DELETE FROM mutable WHERE isnoticed = 1")
	if err != nil {
		return nil, fmt.Errorf("delete from active: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted != int64(len(moved)) || deleted != int64(len(moved)) {
		return nil, fmt.Errorf("row count mismatch: selected %d, archived %d, deleted %d", len(moved), inserted, deleted)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return moved, nil
}

// ActiveEntries returns every entry in the active tier.
func (db *DB) ActiveEntries(ctx context.Context) ([]model.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+entryColumns+" FROM mutable ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ArchivedEntries returns every entry in the archive tier.
func (db *DB) ArchivedEntries(ctx context.Context) ([]model.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+entryColumns+" FROM persistent ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Counts returns the row count of each tier.
func (db *DB) Counts(ctx context.Context) (int64, int64, error) {
	var active, archived int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM mutable), (SELECT COUNT(*) FROM persistent)").Scan(&active, &archived)
	return active, archived, err
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}
