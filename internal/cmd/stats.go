package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pipeline"
	"github.com/mhmlab/mhm/internal/records"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Extract per-stream metadata and write the stats files",
	Long: `Read every merged stream and record its row count, time range and days with
data. Writes one stats file per site and one for all sites to the reports
directory. Results are cached, so unchanged streams are not re-read.

Examples:
  mhm stats                  # Stats for every merged stream
  mhm stats --devices        # Also split streams by device column
  mhm stats --format csv     # Print the combined stats table`,
	RunE: runStats,
}

var statsDevices bool

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsDevices, "devices", false, "Add per-device sub-streams (default: extract.devices)")
}

// statsView is the printed result of the stats command.
type statsView struct {
	Run     interface{} `json:"run" yaml:"run"`
	Streams int         `json:"streams" yaml:"streams"`
	Devices int         `json:"device_streams,omitempty" yaml:"device_streams,omitempty"`

	table *records.Table
}

func (v statsView) Table() *records.Table { return v.table }

func runStats(cmd *cobra.Command, args []string) error {
	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	devices := cfg.Extract.Devices
	if cmd.Flags().Changed("devices") {
		devices = statsDevices
	}

	run := p.NewRun("stats")
	st, err := p.Stats(cmd.Context(), run, pipeline.StatsOptions{Devices: devices, Write: true})
	if err == nil {
		loc, _ := cfg.Location()
		err = printResult(cmd, statsView{
			Run:     run,
			Streams: len(st.Streams),
			Devices: len(st.Devices),
			table:   metadata.StatsTable(append(st.Streams, st.Devices...), loc),
		})
	}
	return finish(p, run, err)
}
