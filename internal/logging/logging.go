// Package logging constructs the zap loggers used across the engine.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger from zap's production config, with its level
// set from level when level parses (the production default, info,
// otherwise). The teacher service's cmd entrypoints built theirs inline
// (zap.NewProduction() in cmd/worker, zap.NewDevelopment() in cmd/cli).
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Must is New but panics on failure, for use in cmd/ entrypoints before
// any logger exists to report the failure through.
func Must(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		panic(err)
	}
	return logger
}
