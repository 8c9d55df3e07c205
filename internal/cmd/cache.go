package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long: `Commands for managing the .mhm/cache.db metadata and summary cache.

The cache only holds values derived from merged files and is safe to clear;
the next stats or summarize run rebuilds it.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached metadata and summaries",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheClearRuns bool

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheClearCmd.Flags().BoolVar(&cacheClearRuns, "runs", false, "Also remove the run history")
}

// cacheStatsView is the printed result of cache stats.
type cacheStatsView struct {
	Path        string `json:"path" yaml:"path"`
	SizeBytes   int64  `json:"size_bytes" yaml:"size_bytes"`
	cache.Stats `yaml:",inline"`
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		stats, err := c.GetStats()
		if err != nil {
			return err
		}
		view := cacheStatsView{Path: relPath(c.Path()), Stats: *stats}
		if info, err := os.Stat(c.Path()); err == nil {
			view.SizeBytes = info.Size()
		}
		return printResult(cmd, view)
	})
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	return withCache(func(c *cache.Cache) error {
		if err := c.Clear(cacheClearRuns); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", relPath(c.Path()))
		return nil
	})
}
