package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		opts Options
		want zapcore.Level
	}{
		{Options{}, zapcore.InfoLevel},
		{Options{Verbose: true}, zapcore.DebugLevel},
		{Options{Quiet: true}, zapcore.WarnLevel},
		{Options{Verbose: true, Quiet: true}, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		if got := Level(tt.opts); got != tt.want {
			t.Errorf("Level(%+v) = %v, want %v", tt.opts, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, opts := range []Options{{}, {Console: true, Verbose: true}} {
		l, err := New(opts)
		if err != nil {
			t.Fatalf("New(%+v): %v", opts, err)
		}
		if !l.Core().Enabled(Level(opts)) {
			t.Errorf("logger for %+v does not enable its own level", opts)
		}
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}
