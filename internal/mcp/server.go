// Package mcp provides an MCP (Model Context Protocol) server for mhm.
// It exposes read-only queries over the cache and the written summaries so
// agents and notebooks can ask what data exists without rerunning the
// pipeline.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mhmlab/mhm/internal/cache"
	"github.com/mhmlab/mhm/internal/config"
	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/summary"
)

// Server wraps the MCP server with mhm-specific functionality
type Server struct {
	mcpServer    *server.MCPServer
	cache        *cache.Cache
	cfg          *config.Config
	tools        map[string]bool
	lastActivity time.Time
	timeout      time.Duration
	mu           sync.RWMutex
}

// Config holds server configuration
type Config struct {
	Tools   []string      // Which tools to expose (empty = all)
	Timeout time.Duration // Inactivity timeout (0 = no timeout)
}

// AllTools lists all available tools
var AllTools = []string{"mhm_participants", "mhm_metrics", "mhm_stream", "mhm_summary", "mhm_missing"}

// New creates a new MCP server over an open cache. The server does not own
// the cache.
func New(cfg *config.Config, c *cache.Cache, opts Config) (*Server, error) {
	mcpServer := server.NewMCPServer(
		"mhm",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s := &Server{
		mcpServer:    mcpServer,
		cache:        c,
		cfg:          cfg,
		tools:        make(map[string]bool),
		lastActivity: time.Now(),
		timeout:      opts.Timeout,
	}

	toolsToRegister := opts.Tools
	if len(toolsToRegister) == 0 {
		toolsToRegister = AllTools
	}
	for _, toolName := range toolsToRegister {
		if err := s.registerTool(toolName); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", toolName, err)
		}
		s.tools[toolName] = true
	}

	return s, nil
}

// registerTool registers a single tool with the MCP server
func (s *Server) registerTool(name string) error {
	schema, ok := toolSchemaRegistry[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}

	opts := []mcp.ToolOption{mcp.WithDescription(schema.Description)}
	for _, p := range schema.Parameters {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}

	s.mcpServer.AddTool(mcp.NewTool(name, opts...), s.handler(name))
	return nil
}

// handler adapts CallTool to the mcp-go handler signature. Tool errors are
// returned as error results, not protocol errors.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.updateActivity()
		result, err := s.CallTool(name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	if s.timeout > 0 {
		go s.timeoutChecker()
	}

	return server.ServeStdio(s.mcpServer)
}

// timeoutChecker monitors for inactivity and exits if timeout exceeded
func (s *Server) timeoutChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		elapsed := time.Since(s.lastActivity)
		s.mu.RUnlock()

		if elapsed > s.timeout {
			fmt.Fprintf(os.Stderr, "mhm serve: timeout after %v of inactivity\n", s.timeout)
			os.Exit(0)
		}
	}
}

func (s *Server) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ListTools returns the registered tools, sorted
func (s *Server) ListTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]string, 0, len(s.tools))
	for t := range s.tools {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

// ToolSchema describes a tool's name, description, and parameters.
type ToolSchema struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Parameters  []ParameterSchema `json:"parameters" yaml:"parameters"`
}

// ParameterSchema describes a single tool parameter.
type ParameterSchema struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// toolSchemaRegistry holds the schema definitions for all tools.
// registerTool builds the mcp.NewTool definitions from it.
var toolSchemaRegistry = map[string]ToolSchema{
	"mhm_participants": {
		Name:        "mhm_participants",
		Description: "List participants with extracted data, optionally only those with data for one metric.",
		Parameters: []ParameterSchema{
			{Name: "metric", Type: "string", Description: "Only participants with data for this metric"},
		},
	},
	"mhm_metrics": {
		Name:        "mhm_metrics",
		Description: "List the metrics recorded for a participant.",
		Parameters: []ParameterSchema{
			{Name: "participant", Type: "string", Description: "Participant ID", Required: true},
		},
	},
	"mhm_stream": {
		Name:        "mhm_stream",
		Description: "Per-stream overview: periods merged, row count, days with data and time range.",
		Parameters: []ParameterSchema{
			{Name: "participant", Type: "string", Description: "Restrict to one participant (default: all)"},
			{Name: "metric", Type: "string", Description: "Restrict to one metric"},
		},
	},
	"mhm_summary": {
		Name:        "mhm_summary",
		Description: "Participant period summaries with rule results. Absent results mean no data for the period.",
		Parameters: []ParameterSchema{
			{Name: "participant", Type: "string", Description: "Participant ID", Required: true},
			{Name: "period", Type: "string", Description: "Period key such as 2024-01 or 2024-W03 (default: all)"},
		},
	},
	"mhm_missing": {
		Name:        "mhm_missing",
		Description: "Streams with no data, too few days of data, or failed extraction.",
		Parameters: []ParameterSchema{
			{Name: "participants", Type: "string", Description: "Comma-separated participant IDs (default: all)"},
			{Name: "metrics", Type: "string", Description: "Comma-separated metrics (default: all observed)"},
			{Name: "prefix", Type: "string", Description: "Only metrics starting with this prefix"},
			{Name: "from", Type: "string", Description: "First day, YYYY-MM-DD"},
			{Name: "to", Type: "string", Description: "Last day, YYYY-MM-DD"},
			{Name: "min_days", Type: "number", Description: "Expected days with data (default: coverage.min_days)"},
		},
	},
}

// GetToolSchemas returns schemas for all registered tools, sorted by name.
func (s *Server) GetToolSchemas() []ToolSchema {
	names := s.ListTools()
	schemas := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		if schema, ok := toolSchemaRegistry[name]; ok {
			schemas = append(schemas, schema)
		}
	}
	return schemas
}

// CallTool dispatches a tool call by name with the given arguments.
// Returns the JSON result string or an error.
func (s *Server) CallTool(name string, args map[string]interface{}) (string, error) {
	s.mu.RLock()
	registered := s.tools[name]
	s.mu.RUnlock()

	if !registered {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	switch name {
	case "mhm_participants":
		metric, _ := args["metric"].(string)
		return s.executeParticipants(metric)

	case "mhm_metrics":
		participant, _ := args["participant"].(string)
		if participant == "" {
			return "", fmt.Errorf("participant parameter is required")
		}
		return s.executeMetrics(participant)

	case "mhm_stream":
		participant, _ := args["participant"].(string)
		metric, _ := args["metric"].(string)
		return s.executeStream(participant, metric)

	case "mhm_summary":
		participant, _ := args["participant"].(string)
		if participant == "" {
			return "", fmt.Errorf("participant parameter is required")
		}
		periodKey, _ := args["period"].(string)
		return s.executeSummary(participant, periodKey)

	case "mhm_missing":
		opts := coverage.Options{MinDays: s.cfg.Coverage.MinDays, Prefix: s.cfg.Coverage.Prefix}
		if v, ok := args["participants"].(string); ok {
			opts.Participants = splitList(v)
		}
		if v, ok := args["metrics"].(string); ok {
			opts.Metrics = splitList(v)
		}
		if v, ok := args["prefix"].(string); ok && v != "" {
			opts.Prefix = v
		}
		if v, ok := args["min_days"].(float64); ok {
			opts.MinDays = int(v)
		}
		for _, b := range []struct {
			arg string
			dst **period.Date
		}{{"from", &opts.From}, {"to", &opts.To}} {
			v, _ := args[b.arg].(string)
			if v == "" {
				continue
			}
			d, err := period.ParseDate(v)
			if err != nil {
				return "", fmt.Errorf("%s: %w", b.arg, err)
			}
			*b.dst = &d
		}
		return s.executeMissing(opts)

	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) executeParticipants(metric string) (string, error) {
	var (
		participants []string
		err          error
	)
	if metric != "" {
		participants, err = s.cache.ParticipantsForMetric(metric)
	} else {
		participants, err = s.cache.Participants()
	}
	if err != nil {
		return "", err
	}
	if participants == nil {
		participants = []string{}
	}
	return toJSON(map[string]interface{}{
		"count":        len(participants),
		"participants": participants,
	})
}

func (s *Server) executeMetrics(participant string) (string, error) {
	metrics, err := s.cache.Metrics(participant)
	if err != nil {
		return "", err
	}
	if len(metrics) == 0 {
		return "", fmt.Errorf("no data for participant %q", participant)
	}
	return toJSON(map[string]interface{}{
		"participant": participant,
		"metrics":     metrics,
	})
}

func (s *Server) executeStream(participant, metric string) (string, error) {
	overview, err := s.cache.Overview(participant)
	if err != nil {
		return "", err
	}
	out := make([]cache.StreamOverview, 0, len(overview))
	for _, o := range overview {
		if metric != "" && o.Metric != metric {
			continue
		}
		out = append(out, o)
	}
	return toJSON(map[string]interface{}{
		"count":   len(out),
		"streams": out,
	})
}

// executeSummary serves cached summaries, falling back to the JSON files in
// the summaries directory when the cache has none.
func (s *Server) executeSummary(participant, periodKey string) (string, error) {
	summaries, err := s.cache.LatestSummaries(participant)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		summaries, err = s.readSummaryFiles(participant)
		if err != nil {
			return "", err
		}
	}

	var out []*summary.ParticipantPeriodSummary
	for _, sm := range summaries {
		if periodKey == "" || sm.Period == periodKey {
			out = append(out, sm)
		}
	}
	if len(out) == 0 {
		if periodKey != "" {
			return "", fmt.Errorf("no summary for participant %q in period %s", participant, periodKey)
		}
		return "", fmt.Errorf("no summaries for participant %q", participant)
	}
	return toJSON(map[string]interface{}{
		"participant": participant,
		"summaries":   out,
	})
}

func (s *Server) readSummaryFiles(participant string) ([]*summary.ParticipantPeriodSummary, error) {
	dir := s.cfg.Resolve(s.cfg.Data.SummariesDir)
	matches, err := filepath.Glob(filepath.Join(dir, "*", participant+"_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	var out []*summary.ParticipantPeriodSummary
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var sm summary.ParticipantPeriodSummary
		if err := json.Unmarshal(data, &sm); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if sm.Participant == participant {
			out = append(out, &sm)
		}
	}
	return out, nil
}

func (s *Server) executeMissing(opts coverage.Options) (string, error) {
	streams, err := s.cache.StreamMetadata("")
	if err != nil {
		return "", err
	}
	rep := coverage.Build(coverage.Input{Streams: streams}, opts)
	missing := rep.Missing
	if missing == nil {
		missing = []coverage.MissingEntry{}
	}
	return toJSON(map[string]interface{}{
		"summary": rep.Summary,
		"missing": missing,
	})
}

// Helper functions

func toJSON(v interface{}) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
