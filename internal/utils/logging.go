package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerOptions configures InitLogger.
type LoggerOptions struct {
	Level           string
	Output          io.Writer
	Prefix          string
	ReportTimestamp bool
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = log.Default()
)

// InitLogger builds a charmbracelet logger from options. Output defaults to
// stderr so stdout stays machine-readable for hook callers.
func InitLogger(opts LoggerOptions) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           parseLevel(opts.Level),
		Prefix:          opts.Prefix,
		ReportTimestamp: opts.ReportTimestamp,
		TimeFormat:      time.RFC3339,
	})
}

// InitDefaultLogger creates the process logger, honouring WARDEN_LOG_LEVEL,
// and installs it as the default.
func InitDefaultLogger() *log.Logger {
	level := os.Getenv("WARDEN_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger := InitLogger(LoggerOptions{Level: level, Prefix: "warden"})
	SetDefaultLogger(logger)
	return logger
}

// InitWatchLogger creates a logger that writes to <stateDir>/watch.log as
// well as stderr.
func InitWatchLogger(stateDir, level string) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(stateDir, "watch.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}
	logger := InitLogger(LoggerOptions{
		Level:           level,
		Output:          io.MultiWriter(os.Stderr, f),
		Prefix:          "watch",
		ReportTimestamp: true,
	})
	return logger, f, nil
}

// SetLevel changes the level of the default logger.
func SetLevel(level string) {
	GetDefaultLogger().SetLevel(parseLevel(level))
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// GetDefaultLogger returns the process logger.
func GetDefaultLogger() *log.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the process logger and charmbracelet's default.
func SetDefaultLogger(logger *log.Logger) {
	if logger == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
	log.SetDefault(logger)
}

// LoggerOrDefault returns l, or a prefixed child of the default logger.
func LoggerOrDefault(l *log.Logger, prefix string) *log.Logger {
	if l != nil {
		return l
	}
	return GetDefaultLogger().WithPrefix(prefix)
}
