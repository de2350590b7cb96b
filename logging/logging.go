// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

type Style string

const (
	StyleTerminal Style = "terminal"
	StyleJSON     Style = "json"
	StyleNoop     Style = "noop"
)

type Config struct {
	Level Level
	Style Style
}

// NewLogger returns a logger for cfg. Unknown levels fall back to info and
// unknown styles to terminal.
func NewLogger(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Style == StyleNoop {
		return zap.NewNop()
	}

	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}

	var enc zapcore.Encoder
	switch cfg.Style {
	case StyleJSON:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	default:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(ec)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core)
}
