package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be enabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be disabled by default")
	}
}

func TestNewAcceptsExplicitLevel(t *testing.T) {
	logger, err := New(Options{Level: LevelDebug})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled when requested")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "not-a-level"}); err == nil {
		t.Fatalf("expected an error for an unrecognised level")
	}
}

func TestNewDevelopmentPreset(t *testing.T) {
	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
}
