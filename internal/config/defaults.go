package config

import (
	"runtime"

	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/records"
)

// DefaultConfig returns configuration with sensible defaults.
// These defaults are used when no config file exists or when
// config file is missing specific fields.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			RawRoot:      "data/raw",
			MergedRoot:   "data/merged",
			SummariesDir: "data/summaries",
			ReportsDir:   "data/reports",
		},
		Layout: LayoutConfig{
			PrefixDepth: 0,
			TokenLayout: pathcodec.DefaultTokenLayout,
			Extension:   pathcodec.DefaultExtension,
		},
		Merge: MergeConfig{
			Granularity: "month",
			Workers:     runtime.NumCPU(),
			TimeColumns: append([]string(nil), records.DefaultTimeColumns...),
		},
		Extract: ExtractConfig{
			TimeColumns:   append([]string(nil), records.DefaultTimeColumns...),
			DeviceColumns: []string{"device_id", "device", "source"},
			Timezone:      "UTC",
		},
		Summary: SummaryConfig{
			Resolution: "month",
		},
		Coverage: CoverageConfig{
			MinDays: 1,
		},
		Remote: RemoteConfig{
			Region:      "us-east-1",
			Concurrency: 8,
		},
	}
}

// Merge merges loaded config with defaults.
// Values from loaded config take precedence over defaults.
// Returns a new Config with merged values.
func Merge(loaded, defaults *Config) *Config {
	result := &Config{}

	result.Data = mergeDataConfig(loaded.Data, defaults.Data)
	result.Layout = mergeLayoutConfig(loaded.Layout, defaults.Layout)

	// Filters have no defaults
	result.Filter = loaded.Filter

	result.Merge = mergeMergeConfig(loaded.Merge, defaults.Merge)
	result.Extract = mergeExtractConfig(loaded.Extract, defaults.Extract)
	result.Summary = mergeSummaryConfig(loaded.Summary, defaults.Summary)
	result.Coverage = mergeCoverageConfig(loaded.Coverage, defaults.Coverage)
	result.Remote = mergeRemoteConfig(loaded.Remote, defaults.Remote)

	result.Metrics = loaded.Metrics
	result.Run = loaded.Run
	result.Dir = loaded.Dir

	return result
}

func orString(loaded, def string) string {
	if loaded != "" {
		return loaded
	}
	return def
}

func orPositive(loaded, def int) int {
	if loaded > 0 {
		return loaded
	}
	return def
}

func orStrings(loaded, def []string) []string {
	if len(loaded) > 0 {
		return loaded
	}
	return def
}

func mergeDataConfig(loaded, defaults DataConfig) DataConfig {
	return DataConfig{
		RawRoot:      orString(loaded.RawRoot, defaults.RawRoot),
		MergedRoot:   orString(loaded.MergedRoot, defaults.MergedRoot),
		SummariesDir: orString(loaded.SummariesDir, defaults.SummariesDir),
		ReportsDir:   orString(loaded.ReportsDir, defaults.ReportsDir),
	}
}

func mergeLayoutConfig(loaded, defaults LayoutConfig) LayoutConfig {
	return LayoutConfig{
		// Zero is a meaningful depth, so a loaded zero is kept.
		PrefixDepth: loaded.PrefixDepth,
		TokenLayout: orString(loaded.TokenLayout, defaults.TokenLayout),
		Extension:   orString(loaded.Extension, defaults.Extension),
	}
}

func mergeMergeConfig(loaded, defaults MergeConfig) MergeConfig {
	result := MergeConfig{
		Granularity: orString(loaded.Granularity, defaults.Granularity),
		Workers:     orPositive(loaded.Workers, defaults.Workers),
		Strict:      loaded.Strict,
		TimeColumns: orStrings(loaded.TimeColumns, defaults.TimeColumns),
		KeyColumns:  loaded.KeyColumns,
	}
	if result.KeyColumns == nil {
		result.KeyColumns = defaults.KeyColumns
	}
	return result
}

func mergeExtractConfig(loaded, defaults ExtractConfig) ExtractConfig {
	return ExtractConfig{
		TimeColumns:   orStrings(loaded.TimeColumns, defaults.TimeColumns),
		DeviceColumns: orStrings(loaded.DeviceColumns, defaults.DeviceColumns),
		Devices:       loaded.Devices,
		Timezone:      orString(loaded.Timezone, defaults.Timezone),
	}
}

func mergeSummaryConfig(loaded, defaults SummaryConfig) SummaryConfig {
	return SummaryConfig{
		Resolution: orString(loaded.Resolution, defaults.Resolution),
		RulesFile:  orString(loaded.RulesFile, defaults.RulesFile),
	}
}

func mergeCoverageConfig(loaded, defaults CoverageConfig) CoverageConfig {
	return CoverageConfig{
		MinDays: orPositive(loaded.MinDays, defaults.MinDays),
		Prefix:  loaded.Prefix,
		Boolean: loaded.Boolean,
		AllDays: loaded.AllDays,
	}
}

func mergeRemoteConfig(loaded, defaults RemoteConfig) RemoteConfig {
	return RemoteConfig{
		Bucket:      orString(loaded.Bucket, defaults.Bucket),
		Prefix:      orString(loaded.Prefix, defaults.Prefix),
		Region:      orString(loaded.Region, defaults.Region),
		Endpoint:    orString(loaded.Endpoint, defaults.Endpoint),
		Concurrency: orPositive(loaded.Concurrency, defaults.Concurrency),
	}
}
