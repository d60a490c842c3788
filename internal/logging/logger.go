package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every log line written by the binary.
const ServiceName = "notipy-api"

// Options selects the level and the identifying fields of a process logger.
type Options struct {
	Level string
	// Command is the CLI command the process runs (serve, sweep, ...).
	Command string
}

// NewLogger returns a production JSON logger carrying service and command fields.
// Sampling is disabled: a reconcile run logs one line per skipped database or
// failed page, and every one of them matters.
func NewLogger(options Options, zapOptions ...zap.Option) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(options.Level))
	cfg.Sampling = nil

	logger, err := cfg.Build(zapOptions...)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{zap.String("service", ServiceName)}
	if command := strings.TrimSpace(options.Command); command != "" {
		fields = append(fields, zap.String("command", command))
	}
	return logger.With(fields...), nil
}

// ParseLevel maps a configured level name to a zap level; unknown names mean info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
