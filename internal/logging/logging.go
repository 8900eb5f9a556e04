// Package logging provides the relay's structured logger: a thin wrapper
// over log/slog with a pluggable level and text/JSON handler, in the same
// shape as the package-level slog wrapper used elsewhere in this codebase's
// lineage (bind a level, get package-level Debug/Info/Warn/Error that take
// key-value pairs).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is the logger's minimum severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config configures the package logger.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
}

var (
	currentLevel atomic.Int32

	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	slogger *slog.Logger
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	reconfigure("text")
}

func toSlogLevel(l Level) slog.Level {
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

func reconfigure(format string) {
	mu.Lock()
	defer mu.Unlock()

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(Level(currentLevel.Load())))
	opts := &slog.HandlerOptions{Level: levelVar}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(h)
}

// Init configures level, output format ("text" or "json") and destination
// writer. Call once at process startup; safe to call again in tests.
func Init(cfg Config, w io.Writer) {
	mu.Lock()
	if w != nil {
		output = w
	}
	mu.Unlock()

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	format := strings.ToLower(cfg.Format)
	if format != "json" {
		format = "text"
	}
	reconfigure(format)
}

// SetLevel sets the minimum level by name; invalid names are ignored.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	default:
		return
	}
	mu.RLock()
	format := "text"
	if h, ok := slogger.Handler().(*slog.JSONHandler); ok && h != nil {
		format = "json"
	}
	mu.RUnlock()
	reconfigure(format)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a logger with additional bound key-value fields, for
// per-component or per-link context (e.g. "channel", "link", "uid").
func With(args ...any) *slog.Logger { return get().With(args...) }
