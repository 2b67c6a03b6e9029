// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	final_url  TEXT NOT NULL,
	status     INTEGER NOT NULL,
	body       BLOB,
	fetched_at INTEGER NOT NULL
);`

// SQLiteCache persists responses in a local sqlite database, surviving
// process restarts.
type SQLiteCache struct {
	db     *sql.DB
	expire time.Duration
}

// NewSQLiteCache opens (and if needed initialises) the database at path.
// expire <= 0 disables expiry.
func NewSQLiteCache(path string, expire time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening response cache %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising response cache %s: %w", path, err)
	}
	return &SQLiteCache{db: db, expire: expire}, nil
}

// Get returns the cached entry for key if present and not expired.
func (c *SQLiteCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT url, final_url, status, body, fetched_at FROM responses WHERE key = ?`, key)
	var e Entry
	var fetchedAt int64
	if err := row.Scan(&e.URL, &e.FinalURL, &e.Status, &e.Body, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	e.FetchedAt = time.Unix(fetchedAt, 0)
	if c.expire > 0 && time.Since(e.FetchedAt) > c.expire {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM responses WHERE key = ?`, key)
		return nil, false, nil
	}
	return &e, true, nil
}

// Set upserts an entry.
func (c *SQLiteCache) Set(ctx context.Context, key string, e *Entry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (key, url, final_url, status, body, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, e.URL, e.FinalURL, e.Status, e.Body, e.FetchedAt.Unix())
	return err
}

// Close releases the database handle.
func (c *SQLiteCache) Close() error { return c.db.Close() }
