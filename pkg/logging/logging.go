// Package logging provides structured logging for the fujid daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Logger wraps charmbracelet/log. Derived loggers keep the output, format
// and level of their parent.
type Logger struct {
	*log.Logger
	output io.Writer
	opts   log.Options
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     FormatText,
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
		Formatter:       ParseFormat(cfg.Format),
		Level:           ParseLevel(cfg.Level),
	}
	return &Logger{Logger: log.NewWithOptions(output, opts), output: output, opts: opts}
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// ParseFormat maps a config format name onto a formatter. Unknown names
// fall back to text.
func ParseFormat(format string) log.Formatter {
	switch strings.ToLower(format) {
	case FormatJSON:
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), output: l.output, opts: l.opts}
}

// Component returns a logger prefixed with a component name. Components
// nest, so Component("a").Component("b") logs as "a/b".
func (l *Logger) Component(name string) *Logger {
	opts := l.opts
	if opts.Prefix != "" {
		name = opts.Prefix + "/" + name
	}
	opts.Prefix = name
	opts.Level = l.GetLevel()
	return &Logger{Logger: log.NewWithOptions(l.output, opts), output: l.output, opts: opts}
}

// Attempt returns a logger tagged with a swap attempt and the position it
// operates on.
func (l *Logger) Attempt(attemptID, positionID, task string) *Logger {
	return l.With("attempt", shortID(attemptID), "position", shortID(positionID), "task", task)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var defaultLogger = New(DefaultConfig())

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}
