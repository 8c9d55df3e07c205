package metadata

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// StatsHeader is the column layout of the stats files.
var StatsHeader = []string{"site", "participant", "metric", "row_count", "start_date", "end_date", "day_count"}

// AllSitesFile is the name of the combined stats file.
const AllSitesFile = "all_sites.csv.gz"

// StatsFile returns the per-site stats file name.
func StatsFile(site string) string {
	return site + "_stats.csv.gz"
}

// StatsTable renders metadata as a stats table ordered by stream key. Dates
// are calendar days in loc (nil means UTC).
func StatsTable(streams []*StreamMetadata, loc *time.Location) *records.Table {
	sorted := append([]*StreamMetadata(nil), streams...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Stream.Key() < sorted[j].Stream.Key()
	})
	t := &records.Table{Header: StatsHeader}
	for _, m := range sorted {
		var start, end string
		if m.Start != nil {
			start = period.DateOf(*m.Start, loc).String()
		}
		if m.End != nil {
			end = period.DateOf(*m.End, loc).String()
		}
		t.Rows = append(t.Rows, []string{
			m.Stream.Site,
			m.Stream.Participant,
			m.Stream.Metric,
			strconv.Itoa(m.RowCount),
			start,
			end,
			strconv.Itoa(m.DistinctDays()),
		})
	}
	return t
}

// WriteStatsCSV writes one stats file per site plus the combined file into
// dir and returns the written paths.
func WriteStatsCSV(dir string, streams []*StreamMetadata, loc *time.Location) ([]string, error) {
	bySite := make(map[string][]*StreamMetadata)
	for _, m := range streams {
		bySite[m.Stream.Site] = append(bySite[m.Stream.Site], m)
	}
	sites := make([]string, 0, len(bySite))
	for s := range bySite {
		sites = append(sites, s)
	}
	sort.Strings(sites)

	var written []string
	for _, site := range sites {
		path := filepath.Join(dir, StatsFile(site))
		if err := records.WriteFileAtomic(path, StatsTable(bySite[site], loc)); err != nil {
			return written, fmt.Errorf("write stats for %s: %w", site, err)
		}
		written = append(written, path)
	}
	path := filepath.Join(dir, AllSitesFile)
	if err := records.WriteFileAtomic(path, StatsTable(streams, loc)); err != nil {
		return written, fmt.Errorf("write combined stats: %w", err)
	}
	return append(written, path), nil
}
