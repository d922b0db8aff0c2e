// Package telemetry provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the engine and its surfaces.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "json" or "console". Defaults to json.
	Format string `yaml:"format"`

	// Output is "stdout", "stderr", or a file path. Defaults to stderr.
	Output string `yaml:"output"`
}

// NewLogger creates the root zerolog logger for the process. Component
// loggers are derived with Component.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	return logger.Level(parseLogLevel(cfg.Level)), nil
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
