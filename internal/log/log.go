// Package log constructs the process-wide structured logger. The logger is
// built once at startup and passed explicitly to each component; packages
// never reach for a global.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger from the logging configuration. When file is
// non-empty, logs are written to both the console (colored or JSON depending
// on jsonOutput) and the file (always JSON for machine parsing).
func New(level string, jsonOutput bool, file string) (zerolog.Logger, error) {
	lvl := parseLevel(level)

	var consoleWriter io.Writer
	if jsonOutput {
		consoleWriter = os.Stdout
	} else {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	if file == "" {
		return zerolog.New(consoleWriter).Level(lvl).With().Timestamp().Logger(), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
	}
	multi := zerolog.MultiLevelWriter(consoleWriter, f)
	return zerolog.New(multi).Level(lvl).With().Timestamp().Logger(), nil
}

// NewConsole builds a colored console logger. Used by tests and tools.
func NewConsole(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    false,
	}
	return zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
}

// Component derives a child logger tagged with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
