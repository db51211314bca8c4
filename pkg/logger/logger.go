// Package logger wires the process's structured logging. It keeps the
// teacher's Config/Flags shape (level, format, output file) but backs it
// with zerolog instead of log/slog, following the chained-event idiom used
// elsewhere in the example pack (zerolog.Logger, .With().Str(...).Logger()).
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level is the spec's six-value verbosity scale (§6 --verbosity).
type Level string

const (
	LevelOff   Level = "off"
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

// Format selects the zerolog output writer.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger configuration, mirroring the teacher's pkg/logger.Config.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string
}

// NewConfig returns the teacher's defaults: info level, text format, stdout.
func NewConfig() *Config {
	return &Config{Level: LevelInfo, Format: FormatText}
}

// ParseLevel converts a --verbosity value to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelOff, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace:
		return Level(s), nil
	default:
		return "", fmt.Errorf("invalid verbosity: %s (must be off, error, warn, info, debug, or trace)", s)
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelOff:
		return zerolog.Disabled
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger wraps zerolog.Logger with a Close for the optional output file.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New builds a Logger from cfg, matching the teacher's New(cfg) -> (*Logger, error) shape.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File

	if cfg.OutputFile != "" {
		var err error
		f, err = os.OpenFile(cfg.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	}

	if cfg.Format == FormatText {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.OutputFile != ""}
	}

	base := zerolog.New(w).With().Timestamp().Logger().Level(cfg.Level.zerologLevel())

	return &Logger{Logger: base, file: f}, nil
}

// Close releases the output file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a child logger tagged with a "component" field, matching
// the teacher's logger.With("component", name) convention.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Logger.With().Str("component", name).Logger()
}
