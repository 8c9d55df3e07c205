package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/summary"
)

// StreamOverview describes one stream across all cached periods.
type StreamOverview struct {
	Site        string     `json:"site" yaml:"site"`
	Participant string     `json:"participant" yaml:"participant"`
	Metric      string     `json:"metric" yaml:"metric"`
	Periods     int        `json:"periods" yaml:"periods"`
	Rows        int        `json:"rows" yaml:"rows"`
	Days        int        `json:"days" yaml:"days"`
	Start       *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End         *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

func (c *Cache) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Participants returns every participant with cached metadata.
func (c *Cache) Participants() ([]string, error) {
	out, err := c.queryStrings("SELECT DISTINCT participant FROM stream_metadata ORDER BY participant")
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	return out, nil
}

// Metrics returns the metrics cached for a participant.
func (c *Cache) Metrics(participant string) ([]string, error) {
	out, err := c.queryStrings(`
		SELECT DISTINCT metric FROM stream_metadata WHERE participant = ? ORDER BY metric`, participant)
	if err != nil {
		return nil, fmt.Errorf("query metrics for %s: %w", participant, err)
	}
	return out, nil
}

// ParticipantsForMetric returns the participants with cached data for metric.
func (c *Cache) ParticipantsForMetric(metric string) ([]string, error) {
	out, err := c.queryStrings(`
		SELECT DISTINCT participant FROM stream_metadata WHERE metric = ? ORDER BY participant`, metric)
	if err != nil {
		return nil, fmt.Errorf("query participants for %s: %w", metric, err)
	}
	return out, nil
}

// Overview aggregates cached metadata per stream. Day counts are summed over
// periods, which is exact because merge periods do not overlap.
func (c *Cache) Overview(participant string) ([]StreamOverview, error) {
	query := `
		SELECT site, participant, metric, COUNT(*), SUM(row_count), SUM(day_count), MIN(start_time), MAX(end_time)
		FROM stream_metadata`
	var args []any
	if participant != "" {
		query += " WHERE participant = ?"
		args = append(args, participant)
	}
	query += " GROUP BY site, participant, metric ORDER BY site, participant, metric"

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overview: %w", err)
	}
	defer rows.Close()

	var out []StreamOverview
	for rows.Next() {
		var o StreamOverview
		var start, end sql.NullString
		if err := rows.Scan(&o.Site, &o.Participant, &o.Metric, &o.Periods, &o.Rows, &o.Days, &start, &end); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if start.Valid {
			t := parseTime(start.String)
			o.Start = &t
		}
		if end.Valid {
			t := parseTime(end.String)
			o.End = &t
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// StreamMetadata returns the cached metadata of every stream, combined over
// its periods and ordered by stream key. An empty participant means all.
func (c *Cache) StreamMetadata(participant string) ([]*metadata.StreamMetadata, error) {
	query := "SELECT site, participant, metric, payload FROM stream_metadata"
	var args []any
	if participant != "" {
		query += " WHERE participant = ?"
		args = append(args, participant)
	}
	query += " ORDER BY site, participant, metric, period_key"

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stream metadata: %w", err)
	}
	defer rows.Close()

	var order []pathcodec.StreamID
	parts := make(map[pathcodec.StreamID][]*metadata.StreamMetadata)
	for rows.Next() {
		var s pathcodec.StreamID
		var payload string
		if err := rows.Scan(&s.Site, &s.Participant, &s.Metric, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var m metadata.StreamMetadata
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", s, err)
		}
		if _, ok := parts[s]; !ok {
			order = append(order, s)
		}
		parts[s] = append(parts[s], &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	out := make([]*metadata.StreamMetadata, 0, len(order))
	for _, s := range order {
		out = append(out, metadata.Combine(s, parts[s]...))
	}
	return out, nil
}

// LatestSummaries returns the participant's cached summaries, newest period
// first, one per period.
func (c *Cache) LatestSummaries(participant string) ([]*summary.ParticipantPeriodSummary, error) {
	rows, err := c.db.Query(`
		SELECT period_key, payload FROM summaries
		WHERE participant = ?
		ORDER BY period_key DESC, generated_at DESC`, participant)
	if err != nil {
		return nil, fmt.Errorf("query summaries for %s: %w", participant, err)
	}
	defer rows.Close()

	var out []*summary.ParticipantPeriodSummary
	seen := make(map[string]bool)
	for rows.Next() {
		var periodKey, payload string
		if err := rows.Scan(&periodKey, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if seen[periodKey] {
			continue
		}
		seen[periodKey] = true
		var s summary.ParticipantPeriodSummary
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("decode summary %s %s: %w", participant, periodKey, err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Runs returns the most recent runs, newest first. limit <= 0 means all.
func (c *Cache) Runs(limit int) ([]RunRecord, error) {
	query := "SELECT run_id, command, started_at, finished_at, failures FROM runs ORDER BY started_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Command, &started, &finished, &r.Failures); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
