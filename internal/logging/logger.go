package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/pricecaster/relayer/internal/config"
)

// New builds the service logger described by cfg. The returned func closes the log file, if any.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger, err := NewWithWriter(serviceName, cfg, writer)
	if err != nil {
		_ = closeWriter()
		return nil, nil, err
	}
	return logger, closeWriter, nil
}

// NewWithWriter applies cfg's level and format but writes to w regardless of cfg.Output.
func NewWithWriter(serviceName string, cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = "text"
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, handlerOptions)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOptions)
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	return slog.New(handler).With("service", serviceName), nil
}

// Nop discards everything; used by tests and dry runs.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openWriter resolves cfg.Output to console, file or both.
func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" || output == "console" {
		return os.Stdout, func() error { return nil }, nil
	}
	if output != "file" && output != "both" {
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}

	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		path = filepath.Join("logs", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
	}

	if output == "both" {
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	}
	return file, file.Close, nil
}

func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
	return level, nil
}
