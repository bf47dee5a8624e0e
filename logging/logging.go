// Package logging builds the zap logger used by the binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing to stderr in format "json" or "console". The
// returned level can be changed while the logger is in use.
func New(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if err := SetLevel(lvl, level); err != nil {
		return nil, lvl, err
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, lvl, fmt.Errorf("logging: unknown format %q", format)
	}
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, lvl, fmt.Errorf("logging: build: %w", err)
	}
	return logger, lvl, nil
}

// SetLevel parses level ("debug", "info", ...) into lvl. An empty level
// means info.
func SetLevel(lvl zap.AtomicLevel, level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	lvl.SetLevel(parsed)
	return nil
}
