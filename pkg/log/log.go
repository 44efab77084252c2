// Package log wraps zap into a small, direct logging API.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base = zap.NewNop()

// Init builds the process-wide logger. format "console" gets colorized
// development output; anything else gets JSON production output.
func Init(level, format string) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zap.InfoLevel)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stdout"}

	built, err := cfg.Build()
	if err != nil {
		os.Stderr.WriteString("log: failed to build logger, falling back to nop: " + err.Error() + "\n")
		return
	}
	base = built
}

// L returns the base structured logger.
func L() *zap.Logger { return base }

// Named returns a logger scoped to a component, e.g. log.Named("manager").
func Named(name string) *zap.Logger { return base.Named(name) }

// Sync flushes any buffered log entries; call on shutdown.
func Sync() error { return base.Sync() }
