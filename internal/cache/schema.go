package cache

// schemaSQL defines the SQLite schema for the cache database.
// Tables:
//   - stream_metadata: per stream period metadata, keyed by the merged file's generation
//   - summaries: participant period summaries per rule set fingerprint
//   - runs: one row per pipeline run with its report
const schemaSQL = `
CREATE TABLE IF NOT EXISTS stream_metadata (
    cache_key TEXT PRIMARY KEY,
    site TEXT NOT NULL,
    participant TEXT NOT NULL,
    metric TEXT NOT NULL,
    period_key TEXT NOT NULL,
    generation TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    day_count INTEGER NOT NULL DEFAULT 0,
    start_time TEXT,
    end_time TEXT,
    payload TEXT NOT NULL,
    computed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
    participant_key TEXT NOT NULL,
    site TEXT NOT NULL,
    participant TEXT NOT NULL,
    period_key TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    generation TEXT NOT NULL,
    generated_at TEXT NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (participant_key, period_key, fingerprint)
);

CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    failures INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stream_metadata_participant ON stream_metadata(participant);
CREATE INDEX IF NOT EXISTS idx_stream_metadata_metric ON stream_metadata(metric);
CREATE INDEX IF NOT EXISTS idx_summaries_participant ON summaries(participant);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`

// initSchema creates the database tables and indexes if they don't exist.
func (c *Cache) initSchema() error {
	_, err := c.db.Exec(schemaSQL)
	return err
}
