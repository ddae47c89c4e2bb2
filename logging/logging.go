// Package logging installs the process-wide go-ethereum logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the handler, level and optional file output.
type Config struct {
	// Format is "terminal" or "json".
	Format string
	Level  string
	// File enables rotated file output next to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig logs info and above to stderr in terminal format.
func DefaultConfig() Config {
	return Config{
		Format:     "terminal",
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// ParseLevel accepts trace, debug, info, warn, error and crit.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit", "critical":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewHandler builds a handler for format writing to w.
func NewHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "terminal", "":
		return log.NewTerminalHandlerWithLevel(w, level, false), nil
	case "json":
		return log.JSONHandlerWithLevel(w, level), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

var (
	fileMu     sync.Mutex
	fileWriter *lumberjack.Logger
)

// Setup installs the default logger. It may be called again to reconfigure;
// a previously opened log file is closed.
func Setup(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	if fileWriter != nil {
		if err := fileWriter.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		fileWriter = nil
	}

	var output io.Writer = os.Stderr
	if cfg.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = io.MultiWriter(os.Stderr, fileWriter)
	}

	handler, err := NewHandler(cfg.Format, output, level)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}
