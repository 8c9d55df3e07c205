package cmd

import (
	"github.com/spf13/cobra"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download raw files from the configured S3 bucket",
	Long: `Mirror remote.bucket/remote.prefix into the raw root.

Objects already present locally with the same size are skipped unless --force
is given. Sites are filtered with --include/--exclude. Credentials come from the
standard AWS environment variables or shared config.

Examples:
  mhm fetch                          # Download new files
  mhm fetch --include S1 --force     # Re-download everything for site S1`,
	RunE: runFetch,
}

var fetchForce bool

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "Download objects even when present locally")
}

// fetchView is the printed result of the fetch command.
type fetchView struct {
	Run        interface{} `json:"run" yaml:"run"`
	Listed     int         `json:"listed" yaml:"listed"`
	Filtered   int         `json:"filtered" yaml:"filtered"`
	Skipped    int         `json:"skipped" yaml:"skipped"`
	Downloaded int         `json:"downloaded" yaml:"downloaded"`
}

func runFetch(cmd *cobra.Command, args []string) error {
	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	run := p.NewRun("fetch")
	store, err := p.S3Store()
	if err != nil {
		return finish(p, run, err)
	}
	res, err := p.Fetch(cmd.Context(), run, store, fetchForce)
	if err == nil {
		err = printResult(cmd, fetchView{
			Run:        run,
			Listed:     res.Listed,
			Filtered:   res.Filtered,
			Skipped:    res.Skipped,
			Downloaded: len(res.Downloaded),
		})
	}
	return finish(p, run, err)
}
