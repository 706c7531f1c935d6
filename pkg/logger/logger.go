// Package logger wraps log/slog with relay-specific debug categories, the
// way the teacher relay's pkg/logger wraps slog for RTP/NAL debugging.
// The categories here are the relay's own concerns (packet framing, frame
// reassembly, registry mutation, transport I/O, signaling) rather than
// the teacher's media-pipeline concerns.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory gates verbose per-subsystem debugging independent of the
// overall log level.
type DebugCategory string

const (
	DebugPacket    DebugCategory = "packet"
	DebugFrame     DebugCategory = "frame"
	DebugRegistry  DebugCategory = "registry"
	DebugTransport DebugCategory = "transport"
	DebugSignaling DebugCategory = "signaling"
	DebugAll       DebugCategory = "all"
)

type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps slog.Logger with category-gated debug helpers.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler), config: cfg, file: file}, nil
}

func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if category == DebugAll {
		c.EnabledCategories[DebugPacket] = true
		c.EnabledCategories[DebugFrame] = true
		c.EnabledCategories[DebugRegistry] = true
		c.EnabledCategories[DebugTransport] = true
		c.EnabledCategories[DebugSignaling] = true
		return
	}
	c.EnabledCategories[category] = true
}

func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) DebugPacket(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugPacket) {
		l.Debug(msg, append([]any{"category", "packet"}, args...)...)
	}
}

func (l *Logger) DebugFrame(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugFrame) {
		l.Debug(msg, append([]any{"category", "frame"}, args...)...)
	}
}

func (l *Logger) DebugRegistry(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRegistry) {
		l.Debug(msg, append([]any{"category", "registry"}, args...)...)
	}
}

func (l *Logger) DebugTransport(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugTransport) {
		l.Debug(msg, append([]any{"category", "transport"}, args...)...)
	}
}

func (l *Logger) DebugSignaling(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSignaling) {
		l.Debug(msg, append([]any{"category", "signaling"}, args...)...)
	}
}

// With returns a new Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		l, err := New(cfg)
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: cfg}
		}
		defaultLogger = l
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
