// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the logger's encoding and level.
type Options struct {
	// Verbose lowers the level to debug.
	Verbose bool
	// Console uses the human-readable development encoder instead of JSON.
	Console bool
	// Quiet raises the level to warn.
	Quiet bool
}

// New builds a logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if opts.Console {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(Level(opts))
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Level is the minimum level for opts.
func Level(opts Options) zapcore.Level {
	switch {
	case opts.Verbose:
		return zapcore.DebugLevel
	case opts.Quiet:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
