package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/pipeline"
)

// mergeCmd represents the merge command
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge raw files into one file per stream and period",
	Long: `Merge the raw files of every (site, participant, metric) stream into one
compressed CSV per period under the merged root.

Rows are deduplicated by timestamp; when two files carry the same timestamp the
later file wins. Each merged file has a manifest of the raw files it was built
from, and a period is only rewritten when that set of files changed.

Unreadable raw files are skipped and listed in the run report. With
merge.strict set in the config, a corrupt file aborts its period instead.

Examples:
  mhm merge                        # Merge changed periods
  mhm merge --force                # Rewrite every period
  mhm merge --granularity week     # Weekly merged files
  mhm merge --include S1,S2        # Only sites S1 and S2`,
	RunE: runMerge,
}

var (
	mergeForce       bool
	mergeGranularity string
)

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().BoolVar(&mergeForce, "force", false, "Rewrite merged files even when their manifest is current")
	mergeCmd.Flags().StringVar(&mergeGranularity, "granularity", "", "Merge period: day, week, month or year (default: merge.granularity)")
}

func runMerge(cmd *cobra.Command, args []string) error {
	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	run := p.NewRun("merge")
	err = p.Merge(cmd.Context(), run, pipeline.MergeOptions{Force: mergeForce, Granularity: mergeGranularity})
	if err == nil {
		err = printResult(cmd, run)
	}
	return finish(p, run, err)
}
