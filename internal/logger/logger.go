package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type for context keys used by the logger
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance
	LoggerKey ContextKey = "logger"
)

// Options controls where and how the process logs.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	// File, when set, receives the log through a size-rotated writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a new structured logger with default configuration
func New() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Caller().Logger()
}

// NewWithWriter creates a new structured logger with a custom writer
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// NewFromOptions builds the service logger. The returned closer flushes the
// rotating file, if any.
func NewFromOptions(opts Options) (zerolog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w, closer = lj, lj
	}
	if strings.EqualFold(opts.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opts.File != ""}
	}

	log := NewWithWriter(w).Level(ParseLevel(opts.Level))
	return log, closer
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context or returns a default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return New()
}

// WithFields adds structured fields to a logger
func WithFields(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
