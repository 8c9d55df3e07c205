package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/mcp"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start MCP server for querying the cache",
	Long: `Start an MCP (Model Context Protocol) server over stdio.

Tools are read-only and answer from the metadata cache and the written
summaries, so agents and notebooks can ask what data exists without running
the pipeline.

Available Tools:
  mhm_participants  Participants with data, optionally for one metric
  mhm_metrics       Metrics recorded for a participant
  mhm_stream        Per-stream overview
  mhm_summary       Participant period summaries
  mhm_missing       Streams with no or too little data

Examples:
  mhm serve --mcp                              # Start with all tools
  mhm serve --mcp --tools participants,missing # Start with specific tools only
  mhm serve --mcp --timeout 30m                # Exit after 30 minutes idle
  mhm serve --list-tools                       # Show available tools`,
	RunE: runServe,
}

var (
	serveMCP       bool
	serveTools     string
	serveTimeout   string
	serveListTools bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Start MCP server (stdio transport)")
	serveCmd.Flags().StringVar(&serveTools, "tools", "", "Comma-separated list of tools to expose (default: all)")
	serveCmd.Flags().StringVar(&serveTimeout, "timeout", "30m", "Inactivity timeout (0 for no timeout)")
	serveCmd.Flags().BoolVar(&serveListTools, "list-tools", false, "List available tools")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListTools {
		return printResult(cmd, mcp.AllTools)
	}

	if !serveMCP {
		return fmt.Errorf("use --mcp to start the MCP server, or --help for usage")
	}

	timeout, err := parseDuration(serveTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	var tools []string
	if serveTools != "" {
		for _, t := range strings.Split(serveTools, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				// Allow shorthand (missing -> mhm_missing)
				if !strings.HasPrefix(t, "mhm_") {
					t = "mhm_" + t
				}
				tools = append(tools, t)
			}
		}
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	server, err := mcp.New(cfg, c, mcp.Config{Tools: tools, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// stdout is for the MCP protocol
	fmt.Fprintf(os.Stderr, "mhm serve: starting MCP server\n")
	fmt.Fprintf(os.Stderr, "mhm serve: tools: %v\n", server.ListTools())
	if timeout > 0 {
		fmt.Fprintf(os.Stderr, "mhm serve: timeout: %v\n", timeout)
	}

	return server.ServeStdio()
}

func parseDuration(s string) (time.Duration, error) {
	if s == "0" || s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
