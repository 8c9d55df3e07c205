package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/cache"
	"github.com/mhmlab/mhm/internal/records"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the extracted metadata cache",
	Long: `Read-only queries over the metadata cache filled by 'mhm stats',
'mhm coverage' and 'mhm run'. Nothing is re-read from disk.`,
}

var queryParticipantsCmd = &cobra.Command{
	Use:   "participants",
	Short: "List participants with extracted data",
	Args:  cobra.NoArgs,
	RunE:  runQueryParticipants,
}

var queryMetricsCmd = &cobra.Command{
	Use:   "metrics <participant>",
	Short: "List the metrics recorded for a participant",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryMetrics,
}

var queryUsersForCmd = &cobra.Command{
	Use:   "users-for <metric>",
	Short: "List participants with data for a metric",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryUsersFor,
}

var queryOverviewCmd = &cobra.Command{
	Use:   "overview [participant]",
	Short: "Per-stream periods, rows, days and time range",
	Long: `Show one row per stream with the number of periods merged, the row count,
the number of days with data and the time range. Use --format csv for a table.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQueryOverview,
}

var queryRunsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recent runs, or show one run report",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueryRuns,
}

var queryRunsLimit int

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryParticipantsCmd)
	queryCmd.AddCommand(queryMetricsCmd)
	queryCmd.AddCommand(queryUsersForCmd)
	queryCmd.AddCommand(queryOverviewCmd)
	queryCmd.AddCommand(queryRunsCmd)

	queryRunsCmd.Flags().IntVar(&queryRunsLimit, "limit", 10, "Maximum runs to list")
}

// withCache runs fn against the opened cache.
func withCache(fn func(c *cache.Cache) error) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// listView is a one-column result that also prints as CSV.
type listView struct {
	Column string   `json:"-" yaml:"-"`
	Count  int      `json:"count" yaml:"count"`
	Items  []string `json:"items" yaml:"items"`
}

func (v listView) Table() *records.Table {
	t := &records.Table{Header: []string{v.Column}}
	for _, item := range v.Items {
		t.Rows = append(t.Rows, []string{item})
	}
	return t
}

func newListView(column string, items []string) listView {
	if items == nil {
		items = []string{}
	}
	return listView{Column: column, Count: len(items), Items: items}
}

func runQueryParticipants(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		participants, err := c.Participants()
		if err != nil {
			return err
		}
		return printResult(cmd, newListView("participant", participants))
	})
}

func runQueryMetrics(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		metrics, err := c.Metrics(args[0])
		if err != nil {
			return err
		}
		if len(metrics) == 0 {
			return fmt.Errorf("no data for participant %q", args[0])
		}
		return printResult(cmd, newListView("metric", metrics))
	})
}

func runQueryUsersFor(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		participants, err := c.ParticipantsForMetric(args[0])
		if err != nil {
			return err
		}
		return printResult(cmd, newListView("participant", participants))
	})
}

// overviewView prints stream overviews as a list or a table.
type overviewView []cache.StreamOverview

func (v overviewView) Table() *records.Table {
	t := &records.Table{Header: []string{"site", "participant", "metric", "periods", "rows", "days", "start", "end"}}
	for _, o := range v {
		t.Rows = append(t.Rows, []string{
			o.Site, o.Participant, o.Metric,
			strconv.Itoa(o.Periods), strconv.Itoa(o.Rows), strconv.Itoa(o.Days),
			formatOptionalTime(o.Start), formatOptionalTime(o.End),
		})
	}
	return t
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func runQueryOverview(cmd *cobra.Command, args []string) error {
	participant := ""
	if len(args) == 1 {
		participant = args[0]
	}
	return withCache(func(c *cache.Cache) error {
		overview, err := c.Overview(participant)
		if err != nil {
			return err
		}
		return printResult(cmd, overviewView(overview))
	})
}

func runQueryRuns(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		if len(args) == 1 {
			r, err := c.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			// The payload is the JSON run report.
			_, err = cmd.OutOrStdout().Write(append(r.Payload, '\n'))
			return err
		}
		runs, err := c.Runs(queryRunsLimit)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []cache.RunRecord{}
		}
		return printResult(cmd, runs)
	})
}
