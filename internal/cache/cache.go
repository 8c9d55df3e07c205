// Package cache provides SQLite-backed caching for stream metadata, summaries
// and run reports. The cache is stored in .mhm/cache.db. It is a derived view:
// every entry carries the generation time of the merged file it was computed
// from and is only served while that generation is current.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMiss is returned by lookups that find no current entry.
var ErrMiss = errors.New("cache miss")

// FileName is the cache database file inside the .mhm directory.
const FileName = "cache.db"

// Cache manages the .mhm/cache.db SQLite database.
type Cache struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens or creates the cache database in dir.
// It initializes the schema if the database is new.
func Open(dir string) (*Cache, error) {
	dbPath := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	// WAL lets queries run while a pipeline run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	cache := &Cache{db: db, dbPath: dbPath, now: time.Now}

	if err := cache.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return cache, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Clear removes all cached data. Run history is kept unless runs is true.
func (c *Cache) Clear(runs bool) error {
	stmt := "DELETE FROM stream_metadata; DELETE FROM summaries;"
	if runs {
		stmt += " DELETE FROM runs;"
	}
	if _, err := c.db.Exec(stmt); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.dbPath
}

// DB returns the underlying database connection for advanced operations.
func (c *Cache) DB() *sql.DB {
	return c.db
}

// Stats returns cache statistics.
type Stats struct {
	StreamMetadata int64 `json:"stream_metadata" yaml:"stream_metadata"`
	Summaries      int64 `json:"summaries" yaml:"summaries"`
	Runs           int64 `json:"runs" yaml:"runs"`
}

// GetStats returns statistics about the cache contents.
func (c *Cache) GetStats() (*Stats, error) {
	var stats Stats

	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"stream_metadata", &stats.StreamMetadata},
		{"summaries", &stats.Summaries},
		{"runs", &stats.Runs},
	} {
		if err := c.db.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", q.table, err)
		}
	}

	return &stats, nil
}

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
