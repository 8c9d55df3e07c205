// Package cmd contains all CLI commands for mhm.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/cache"
	"github.com/mhmlab/mhm/internal/config"
	"github.com/mhmlab/mhm/internal/logging"
	"github.com/mhmlab/mhm/internal/metrics"
	"github.com/mhmlab/mhm/internal/output"
	"github.com/mhmlab/mhm/internal/pipeline"
	"github.com/mhmlab/mhm/internal/report"
)

var (
	// Version is the current version of mhm
	Version = "0.1.0"

	// Global flags
	verbose      bool
	logJSON      bool
	configPath   string
	forAgents    bool
	outputFormat string
	strictMode   bool
	includeSites []string
	excludeSites []string

	// Set by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mhm",
	Short: "Merge and summarize longitudinal study data",
	Long: `mhm merges per-participant sensor and questionnaire exports into one file
per stream and period, extracts metadata, and writes participant summaries and
data coverage reports.

The raw tree is laid out as <site>/<participant>/<metric>/<timestamp>.csv.gz.
Merged files keep the same layout with one file per period and a manifest
recording which raw files produced it.

Output Format:
  Commands print YAML by default. Use --format json for JSON or --format csv
  for tabular results. Logs go to stderr.

Exit Codes:
  0  success (warnings do not change the exit code)
  1  unrecoverable failure
  3  partial failure under --strict

Examples:
  mhm init                                  # Write .mhm/config.yaml
  mhm merge                                 # Merge new raw files
  mhm stats                                 # Per-stream metadata and stats CSVs
  mhm summarize --rules rules.yaml          # Participant period summaries
  mhm coverage --min-days 20                # Heatmap and missing-data report
  mhm run --strict                          # Everything, failing on partial errors

See 'mhm <command> --help' for command-specific options.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// ExitError carries the process exit code of a finished command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if logger != nil {
		logger.Sync() //nolint:errcheck
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit code, printing it.
func exitCode(err error) int {
	if err == nil {
		return report.ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.Err)
		}
		return ee.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return report.ExitError
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: .mhm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "yaml", "Output format (yaml|json|csv)")
	rootCmd.PersistentFlags().BoolVar(&strictMode, "strict", false, "Exit 3 when any file, stream or rule failed")
	rootCmd.PersistentFlags().StringSliceVar(&includeSites, "include", nil, "Only process these sites (or path components)")
	rootCmd.PersistentFlags().StringSliceVar(&excludeSites, "exclude", nil, "Skip these sites (or path components)")
	rootCmd.Flags().BoolVar(&forAgents, "for-agents", false, "Output machine-readable capability discovery JSON")

	// Set custom help function to intercept --for-agents flag
	originalHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if forAgents {
			outputAgentHelp(cmd)
			return
		}
		originalHelp(cmd, args)
	})
}

// setup builds the logger and loads the configuration before any command.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	logger, err = logging.New(logging.Options{Verbose: verbose, Console: !logJSON})
	if err != nil {
		return err
	}

	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		var wd string
		if wd, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		cfg, err = config.Load(wd)
	}
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("include") {
		cfg.Filter.Include = includeSites
	}
	if cmd.Flags().Changed("exclude") {
		cfg.Filter.Exclude = excludeSites
	}
	logger.Debug("loaded config",
		zap.String("dir", cfg.Dir),
		zap.String("raw_root", cfg.Resolve(cfg.Data.RawRoot)),
		zap.String("merged_root", cfg.Resolve(cfg.Data.MergedRoot)),
	)
	return nil
}

// openCache opens the cache in the config directory, creating it if needed.
func openCache() (*cache.Cache, error) {
	dir := cfg.CacheDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return cache.Open(dir)
}

// openPipeline opens the cache and builds a pipeline over it. The returned
// func closes the cache.
func openPipeline() (*pipeline.Pipeline, func(), error) {
	c, err := openCache()
	if err != nil {
		return nil, nil, err
	}
	p := pipeline.New(cfg, logger, c, metrics.New())
	return p, func() { c.Close() }, nil
}

// finish closes out run and turns its failures into the exit code.
func finish(p *pipeline.Pipeline, run *report.Run, err error) error {
	p.Finish(run)
	for _, w := range run.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if err != nil {
		return err
	}
	if code := run.ExitCode(strictMode || cfg.Run.Strict); code != report.ExitOK {
		return &ExitError{Code: code, Err: fmt.Errorf("%d failures in %s run %s", run.Failures(), run.Command, run.ID)}
	}
	return nil
}

// printResult writes v to stdout in the selected output format.
func printResult(cmd *cobra.Command, v interface{}) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	f, err := output.GetFormatter(format)
	if err != nil {
		return err
	}
	return f.FormatToWriter(cmd.OutOrStdout(), v)
}

// relPath shortens path for display when it is under the working directory.
func relPath(path string) string {
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	if rel, err := filepath.Rel(wd, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// CommandInfo represents a command for agent discovery
type CommandInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Usage       string        `json:"usage"`
	Flags       []FlagInfo    `json:"flags,omitempty"`
	Subcommands []CommandInfo `json:"subcommands,omitempty"`
	Examples    []string      `json:"examples,omitempty"`
}

// FlagInfo represents a command flag for agent discovery
type FlagInfo struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
}

// outputAgentHelp outputs machine-readable JSON describing all commands
func outputAgentHelp(cmd *cobra.Command) {
	root := buildCommandInfo(cmd.Root())

	out := map[string]interface{}{
		"version":      Version,
		"commands":     root.Subcommands,
		"global_flags": root.Flags,
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

// buildCommandInfo recursively builds command information for agent discovery
func buildCommandInfo(cmd *cobra.Command) CommandInfo {
	info := CommandInfo{
		Name:        cmd.Name(),
		Description: cmd.Short,
		Usage:       cmd.UseLine(),
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		info.Flags = append(info.Flags, FlagInfo{
			Name:        f.Name,
			Shorthand:   f.Shorthand,
			Description: f.Usage,
			Type:        f.Value.Type(),
			Default:     f.DefValue,
		})
	})

	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			info.Subcommands = append(info.Subcommands, buildCommandInfo(sub))
		}
	}

	if cmd.Example != "" {
		for _, line := range strings.Split(cmd.Example, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				info.Examples = append(info.Examples, trimmed)
			}
		}
	}

	return info
}
