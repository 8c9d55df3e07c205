package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/pipeline"
	"github.com/mhmlab/mhm/internal/summary"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Merge, extract stats, summarize and report coverage in one pass",
	Long: `Run the whole pipeline: merge changed periods, extract stream metadata and
write the stats files, write participant summaries when rules are configured,
and write the coverage report. Metadata is extracted once and shared by the
stats and coverage steps.

With --fetch, the configured bucket is synced into the raw root first.

Examples:
  mhm run                      # Full pipeline
  mhm run --fetch              # Sync from S3 first
  mhm run --force --strict     # Rewrite everything; exit 3 on partial failure`,
	RunE: runRun,
}

var (
	runWithFetch bool
	runForce     bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runWithFetch, "fetch", false, "Sync the raw root from remote storage first")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Rewrite merged files even when their manifest is current")
}

func runRun(cmd *cobra.Command, args []string) error {
	var rs *summary.RuleSet
	if _, err := os.Stat(cfg.RulesPath()); err == nil {
		if rs, err = summary.LoadRules(cfg.RulesPath()); err != nil {
			return err
		}
	}

	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	run := p.NewRun("run")
	if runWithFetch {
		store, err := p.S3Store()
		if err != nil {
			return finish(p, run, err)
		}
		if _, err := p.Fetch(cmd.Context(), run, store, false); err != nil {
			return finish(p, run, err)
		}
	}

	_, err = p.Run(cmd.Context(), run, pipeline.RunOptions{
		Merge:    pipeline.MergeOptions{Force: runForce},
		Rules:    rs,
		Coverage: p.DefaultCoverageOutputs(p.CoverageDefaults()),
	})
	if err == nil {
		err = printResult(cmd, run)
	}
	return finish(p, run, err)
}
