package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/pipeline"
	"github.com/mhmlab/mhm/internal/records"
)

// coverageCmd represents the coverage command
var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Report which participants have data for which metrics and days",
	Long: `Build a participant x metric x day heatmap from the merged data and list
streams with no data, too few days of data, or failed extraction.

Writes the heatmap, a long-form presence table, a participant-level pivot and
the missing-data table to the reports directory unless other paths are given.
Files ending in .gz are compressed.

Examples:
  mhm coverage                                     # All participants and metrics
  mhm coverage --from 2024-01-01 --to 2024-03-31   # One quarter
  mhm coverage --prefix android_ --min-days 20     # Phone streams, 20 days expected
  mhm coverage --boolean --all-days                # 0/1 cells for every day
  mhm coverage --format csv                        # Print the missing table`,
	RunE: runCoverage,
}

var (
	coverageFrom         string
	coverageTo           string
	coverageParticipants []string
	coverageMetrics      []string
	coveragePrefix       string
	coverageMinDays      int
	coverageAllDays      bool
	coverageBoolean      bool
	coverageHeatmap      string
	coveragePresence     string
	coveragePivot        string
	coverageMissing      string
)

func init() {
	rootCmd.AddCommand(coverageCmd)
	coverageCmd.Flags().StringVar(&coverageFrom, "from", "", "First day, YYYY-MM-DD")
	coverageCmd.Flags().StringVar(&coverageTo, "to", "", "Last day, YYYY-MM-DD")
	coverageCmd.Flags().StringSliceVar(&coverageParticipants, "participants", nil, "Participants to report (default: all seen)")
	coverageCmd.Flags().StringSliceVar(&coverageMetrics, "metrics", nil, "Metrics to report (default: all seen)")
	coverageCmd.Flags().StringVar(&coveragePrefix, "prefix", "", "Only metrics starting with this prefix (default: coverage.prefix)")
	coverageCmd.Flags().IntVar(&coverageMinDays, "min-days", 0, "Expected days with data per stream (default: coverage.min_days)")
	coverageCmd.Flags().BoolVar(&coverageAllDays, "all-days", false, "One column per day of the window, not only covered days")
	coverageCmd.Flags().BoolVar(&coverageBoolean, "boolean", false, "0/1 presence cells instead of row counts")
	coverageCmd.Flags().StringVar(&coverageHeatmap, "heatmap", "", "Heatmap output path")
	coverageCmd.Flags().StringVar(&coveragePresence, "presence", "", "Long-form presence output path")
	coverageCmd.Flags().StringVar(&coveragePivot, "participant-heatmap", "", "Participant pivot output path")
	coverageCmd.Flags().StringVar(&coverageMissing, "missing", "", "Missing-data table output path")
}

// coverageView is the printed result of the coverage command.
type coverageView struct {
	Summary coverage.Summary        `json:"summary" yaml:"summary"`
	Missing []coverage.MissingEntry `json:"missing,omitempty" yaml:"missing,omitempty"`
	Outputs []string                `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func (v coverageView) Table() *records.Table { return coverage.MissingTable(v.Missing) }

// coverageOptions builds the coverage options from the config and the flags
// that were set.
func coverageOptions(cmd *cobra.Command, p *pipeline.Pipeline) (pipeline.CoverageOptions, error) {
	opts := p.CoverageDefaults()
	flags := cmd.Flags()

	var err error
	if opts.From, err = parseDateFlag("from", coverageFrom); err != nil {
		return pipeline.CoverageOptions{}, err
	}
	if opts.To, err = parseDateFlag("to", coverageTo); err != nil {
		return pipeline.CoverageOptions{}, err
	}
	opts.Participants = coverageParticipants
	opts.Metrics = coverageMetrics
	if flags.Changed("prefix") {
		opts.Prefix = coveragePrefix
	}
	if flags.Changed("min-days") {
		opts.MinDays = coverageMinDays
	}
	if flags.Changed("all-days") {
		opts.AllDays = coverageAllDays
	}
	if flags.Changed("boolean") {
		opts.Boolean = coverageBoolean
	}

	out := p.DefaultCoverageOutputs(opts)
	for _, o := range []struct {
		flag, value string
		dst         *string
	}{
		{"heatmap", coverageHeatmap, &out.HeatmapPath},
		{"presence", coveragePresence, &out.PresencePath},
		{"participant-heatmap", coveragePivot, &out.ParticipantsPath},
		{"missing", coverageMissing, &out.MissingPath},
	} {
		if flags.Changed(o.flag) {
			*o.dst = o.value
		}
	}
	return out, nil
}

func runCoverage(cmd *cobra.Command, args []string) error {
	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	opts, err := coverageOptions(cmd, p)
	if err != nil {
		return err
	}

	run := p.NewRun("coverage")
	rep, err := p.Coverage(cmd.Context(), run, opts)
	if err == nil {
		err = printResult(cmd, coverageView{Summary: rep.Summary, Missing: rep.Missing, Outputs: run.Outputs})
	}
	return finish(p, run, err)
}
