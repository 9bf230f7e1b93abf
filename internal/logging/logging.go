// Package logging builds the slog loggers used across warden.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config configures a logger.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// Format is "json" or "text". Defaults to text.
	Format string
	// Outputs are "stdout", "stderr" or file paths. Defaults to stderr.
	Outputs []string
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "text",
		Outputs: []string{"stderr"},
	}
}

// Logger is a slog logger plus the files it writes to.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// New builds a logger from cfg.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}
	writer, err := l.open(cfg.Outputs)
	if err != nil {
		l.Close()
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(writer, opts)
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		l.Close()
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) open(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stderr, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, c, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if c != nil {
			l.closers = append(l.closers, c)
		}
		writers = append(writers, w)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, f, nil
}

// Close closes any log files.
func (l *Logger) Close() error {
	var err error
	for _, c := range l.closers {
		err = errors.Join(err, c.Close())
	}
	l.closers = nil
	return err
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *slog.Logger {
	return l.With("component", component)
}

// ParseLevel parses a level name. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
