package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/summary"
)

// LookupMetadata returns the metadata stored under key if it was computed
// from the given generation.
func (c *Cache) LookupMetadata(key string, generation time.Time) (*metadata.StreamMetadata, bool, error) {
	var payload string
	err := c.db.QueryRow(`
		SELECT payload FROM stream_metadata WHERE cache_key = ? AND generation = ?`,
		key, formatTime(generation)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup metadata %s: %w", key, err)
	}
	var m metadata.StreamMetadata
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, false, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	if m.DayCounts == nil {
		m.DayCounts = make(map[period.Date]int)
	}
	return &m, true, nil
}

// StoreMetadata records m under key, replacing any older generation.
func (c *Cache) StoreMetadata(key string, generation time.Time, m *metadata.StreamMetadata) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	periodKey := ""
	if i := strings.LastIndex(key, "@"); i >= 0 {
		periodKey = key[i+1:]
	}
	var start, end sql.NullString
	if m.Start != nil {
		start = sql.NullString{String: formatTime(*m.Start), Valid: true}
	}
	if m.End != nil {
		end = sql.NullString{String: formatTime(*m.End), Valid: true}
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO stream_metadata
		(cache_key, site, participant, metric, period_key, generation, row_count, day_count, start_time, end_time, payload, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, m.Stream.Site, m.Stream.Participant, m.Stream.Metric, periodKey,
		formatTime(generation), m.RowCount, m.DistinctDays(), start, end,
		string(payload), formatTime(c.now()),
	)
	if err != nil {
		return fmt.Errorf("store metadata %s: %w", key, err)
	}
	return nil
}

// Invalidate drops the metadata of a rewritten stream period and every
// summary of the stream's participant.
func (c *Cache) Invalidate(stream pathcodec.StreamID, p period.Period) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM stream_metadata WHERE cache_key = ?", metadata.CacheKey(stream, p.Key())); err != nil {
		tx.Rollback()
		return fmt.Errorf("invalidate metadata %s: %w", stream, err)
	}
	if _, err := tx.Exec("DELETE FROM summaries WHERE participant_key = ?", summary.ParticipantKey(stream.Site, stream.Participant)); err != nil {
		tx.Rollback()
		return fmt.Errorf("invalidate summaries %s: %w", stream, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LookupSummary returns the stored summary if it was computed with the same
// rule set from the given generation.
func (c *Cache) LookupSummary(participantKey, periodKey, fingerprint string, generation time.Time) (*summary.ParticipantPeriodSummary, bool, error) {
	var payload string
	err := c.db.QueryRow(`
		SELECT payload FROM summaries
		WHERE participant_key = ? AND period_key = ? AND fingerprint = ? AND generation = ?`,
		participantKey, periodKey, fingerprint, formatTime(generation)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup summary %s %s: %w", participantKey, periodKey, err)
	}
	var s summary.ParticipantPeriodSummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, false, fmt.Errorf("decode summary %s %s: %w", participantKey, periodKey, err)
	}
	return &s, true, nil
}

// StoreSummary records s for its participant, period and rule set.
func (c *Cache) StoreSummary(s *summary.ParticipantPeriodSummary, fingerprint string, generation time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO summaries
		(participant_key, site, participant, period_key, fingerprint, generation, generated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ParticipantKey(s.Site, s.Participant), s.Site, s.Participant, s.Period,
		fingerprint, formatTime(generation), formatTime(s.GeneratedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("store summary %s %s: %w", s.Participant, s.Period, err)
	}
	return nil
}

// RunRecord is a persisted run report.
type RunRecord struct {
	ID         string          `json:"id" yaml:"id"`
	Command    string          `json:"command" yaml:"command"`
	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`
	Failures   int             `json:"failures" yaml:"failures"`
	Payload    json.RawMessage `json:"-" yaml:"-"`
}

// SaveRun records a run.
func (c *Cache) SaveRun(r RunRecord) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO runs (run_id, command, started_at, finished_at, failures, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Command, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Failures, string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns one run, or ErrMiss.
func (c *Cache) GetRun(id string) (*RunRecord, error) {
	var r RunRecord
	var started, finished, payload string
	err := c.db.QueryRow(`
		SELECT run_id, command, started_at, finished_at, failures, payload FROM runs WHERE run_id = ?`,
		id).Scan(&r.ID, &r.Command, &started, &finished, &r.Failures, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)
	r.Payload = json.RawMessage(payload)
	return &r, nil
}
