// Package xlog builds the zap logger the compiler CLI uses, including for
// its debug-level trace of layout convergence.
package xlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console-encoded zap.Logger at info level, or debug level
// when verbose is set — debug is what surfaces pkg/layout's per-iteration
// convergence trace.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}
