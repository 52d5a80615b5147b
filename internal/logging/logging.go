// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
)

// New creates a structured logger per configuration. Output is JSON on
// stdout unless pretty console output is requested.
func New(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "i3gateway").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the
// process running. Use in goroutine defer blocks.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
