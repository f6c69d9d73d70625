package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (door opened, blocked, schedule)
	LevelLive    = 2 // Live info (intents, button presses, light changes)
	LevelVerbose = 3 // Verbose (busy rejections, parameters, debounce)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

// slog levels backing the verbosity scale. Warnings and errors are always
// emitted unless the level is LevelOff.
const (
	slogLive    = slog.LevelInfo - 2
	slogVerbose = slog.LevelDebug
	slogTrace   = slog.LevelDebug - 4
)

var (
	mu     sync.RWMutex
	level  int
	format string
	out    io.Writer = os.Stdout
	logger           = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// Init initializes the debug system with a level (0-4) and an output format
// ("text" or "json").
// 0 = no output
// 1 = important info (door movements, interlocks, schedule)
// 2 = live info (intents, buttons, light)
// 3 = verbose (busy rejections, parameter changes)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int, outputFormat string) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	format = strings.ToLower(outputFormat)
	rebuild()
}

// SetOutput redirects all output (e.g. to an io.MultiWriter that also feeds
// the web log stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	opts := &slog.HandlerOptions{
		Level:       thresholdFor(level),
		ReplaceAttr: renameLevels,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	logger = slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "doorgo")}))
}

func thresholdFor(l int) slog.Level {
	switch {
	case l >= LevelTrace:
		return slogTrace
	case l == LevelVerbose:
		return slogVerbose
	case l == LevelLive:
		return slogLive
	default:
		return slog.LevelInfo
	}
}

func renameLevels(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch lvl {
	case slogLive:
		a.Value = slog.StringValue("LIVE")
	case slogVerbose:
		a.Value = slog.StringValue("VERBOSE")
	case slogTrace:
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// Logger returns the underlying structured logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func emit(l slog.Level, msg string, args ...any) {
	Logger().Log(context.Background(), l, msg, args...)
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(msg string, args ...any) {
	emit(slog.LevelInfo, msg, args...)
}

// Warn prints a warning (level 1+).
func Warn(msg string, args ...any) {
	emit(slog.LevelWarn, msg, args...)
}

// Error prints an error (level 1+).
func Error(msg string, args ...any) {
	emit(slog.LevelError, msg, args...)
}

// Value prints a named value (level 1).
func Value(name string, value any) {
	emit(slog.LevelInfo, "value", "name", name, "value", value)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(msg string, args ...any) {
	emit(slogLive, msg, args...)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(msg string, args ...any) {
	emit(slogVerbose, msg, args...)
}

// Section prints a section marker (level 3).
func Section(name string) {
	emit(slogVerbose, "━━━━ "+name+" ━━━━")
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(msg string, args ...any) {
	emit(slogTrace, msg, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value any) {
	emit(slogTrace, "gpio", "op", operation, "pin", pin, "value", value)
}
