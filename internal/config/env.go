package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvRawRoot    = "MHM_RAW_ROOT"
	EnvMergedRoot = "MHM_MERGED_ROOT"
	EnvWorkers    = "MHM_WORKERS"
	EnvTimezone   = "MHM_TIMEZONE"
	EnvS3Bucket   = "MHM_S3_BUCKET"
	EnvS3Prefix   = "MHM_S3_PREFIX"
	EnvS3Region   = "MHM_S3_REGION"
	EnvS3Endpoint = "MHM_S3_ENDPOINT"
	EnvStrict     = "MHM_STRICT"
)

// loadEnv reads a .env file in dir, if any, without overriding variables
// already set, then applies the process environment to cfg.
func loadEnv(cfg *Config, dir string) error {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	return ApplyEnv(cfg, os.LookupEnv)
}

// ApplyEnv overrides cfg fields from the MHM_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{EnvRawRoot, &cfg.Data.RawRoot},
		{EnvMergedRoot, &cfg.Data.MergedRoot},
		{EnvTimezone, &cfg.Extract.Timezone},
		{EnvS3Bucket, &cfg.Remote.Bucket},
		{EnvS3Prefix, &cfg.Remote.Prefix},
		{EnvS3Region, &cfg.Remote.Region},
		{EnvS3Endpoint, &cfg.Remote.Endpoint},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, EnvWorkers, v)
		}
		cfg.Merge.Workers = n
	}
	if v, ok := lookup(EnvStrict); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, EnvStrict, v)
		}
		cfg.Run.Strict = b
		cfg.Merge.Strict = b
	}
	return nil
}
