// Package observability provides logging and tracing setup for the relay.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/worldrelay/internal/config"
)

// ServiceName tags every log entry and exported span.
const ServiceName = "worldrelay"

// NewLogger builds the relay logger writing to stderr.
//
// Precondition: cfg must have passed config validation.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	return buildLogger(cfg, "stderr")
}

// buildLogger never samples: a burst of world chat is logged line for line.
func buildLogger(cfg config.LoggingConfig, output string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	enc, err := encoderConfig(cfg.Format)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		DisableStacktrace: cfg.Format == "json",
		Encoding:          cfg.Format,
		EncoderConfig:     enc,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     map[string]any{"service": ServiceName},
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// encoderConfig renders durations such as backoff and grace delays in
// milliseconds for JSON so they line up with the status endpoint.
func encoderConfig(format string) (zapcore.EncoderConfig, error) {
	switch format {
	case "json":
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeDuration = zapcore.MillisDurationEncoder
		return enc, nil
	case "console":
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return enc, nil
	default:
		return zapcore.EncoderConfig{}, fmt.Errorf("unknown log format %q", format)
	}
}
