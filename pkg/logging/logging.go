// Package logging builds the *zap.Logger threaded through Config in
// the root relay package and from there into pkg/plugin's chains, the
// only sub-package that logs (pkg/certauth and pkg/dialer take no
// logger). It wraps zap's own constructors rather
// than hand-rolling a logger, matching the teacher's practice of
// taking a configured collaborator as-is instead of reimplementing it.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by New, matching zapcore's own.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Options controls the logger New builds.
type Options struct {
	// Level is one of the Level* constants above; defaults to "info".
	Level string

	// Development selects zap's development preset (human-readable
	// console encoding, caller/stack traces on warn+) instead of the
	// JSON production encoding used for everything shipped to a log
	// aggregator.
	Development bool
}

// New builds a *zap.Logger per opts. An empty Options{} yields a
// production JSON logger at info level, safe for long-running
// deployments (spec.md §6's external-interfaces surface names no
// logging sink of its own; this is the proxy's side of that contract).
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(levelOrDefault(opts.Level))
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}

func levelOrDefault(level string) string {
	if level == "" {
		return LevelInfo
	}
	return level
}
