// Package logging holds the logger contract threaded through every
// component constructor.
package logging

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger is the printf style logging contract.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders log severities.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	for level, text := range levelNames {
		if strings.EqualFold(strings.TrimSpace(name), text) {
			return level
		}
	}
	return LevelInfo
}

// TextLogger writes one plain line per call: timestamp, level, message and
// sorted fields. Copies share the writer lock.
type TextLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	min    Level
	ctx    context.Context
	fields map[string]any
}

// NewTextLogger writes to stdout when out is nil.
func NewTextLogger(out io.Writer) *TextLogger {
	if out == nil {
		out = os.Stdout
	}
	return &TextLogger{mu: &sync.Mutex{}, out: out, min: LevelTrace, ctx: context.Background()}
}

// WithLevel returns a copy that drops lines below min.
func (l *TextLogger) WithLevel(min Level) *TextLogger {
	cp := *l.orDefault()
	cp.min = min
	return &cp
}

func (l *TextLogger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *TextLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *TextLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *TextLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *TextLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }
func (l *TextLogger) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args...) }

func (l *TextLogger) WithContext(ctx context.Context) Logger {
	cp := *l.orDefault()
	if ctx == nil {
		ctx = context.Background()
	}
	cp.ctx = ctx
	return &cp
}

// WithFields adds fields on a shallow-copy logger.
func (l *TextLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = mergeFields(cp.fields, fields)
	return &cp
}

func (l *TextLogger) orDefault() *TextLogger {
	if l != nil {
		return l
	}
	return NewTextLogger(nil)
}

func (l *TextLogger) log(level Level, msg string, args ...any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	var line strings.Builder
	line.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&line, " %-5s ", level)
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	line.WriteString(strings.TrimSpace(msg))
	if len(l.fields) > 0 {
		line.WriteByte(' ')
		line.WriteString(formatFields(l.fields))
	}
	line.WriteByte('\n')

	l.mu.Lock()
	_, _ = io.WriteString(l.out, line.String())
	l.mu.Unlock()
}

// Normalize returns logger, or a stdout fallback when nil.
func Normalize(logger Logger) Logger {
	if logger == nil {
		return NewTextLogger(nil)
	}
	return logger
}

// WithFields attaches fields when the logger supports them.
func WithFields(logger Logger, fields map[string]any) Logger {
	logger = Normalize(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// Named tags every line with the component name.
func Named(logger Logger, name string) Logger {
	return WithFields(logger, map[string]any{"component": name})
}

type nop struct{}

func (nop) Trace(string, ...any)                 {}
func (nop) Debug(string, ...any)                 {}
func (nop) Info(string, ...any)                  {}
func (nop) Warn(string, ...any)                  {}
func (nop) Error(string, ...any)                 {}
func (nop) Fatal(string, ...any)                 {}
func (n nop) WithContext(context.Context) Logger { return n }
func (n nop) WithFields(map[string]any) Logger   { return n }

// Nop discards everything.
func Nop() Logger { return nop{} }

// Log writes msg at level through logger.
func Log(logger Logger, level Level, msg string, args ...any) {
	logger = Normalize(logger)
	switch level {
	case LevelTrace:
		logger.Trace(msg, args...)
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError, LevelFatal:
		// fatal sinks may exit the process; broadcast criticals must not
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]any, len(b))
	}
	maps.Copy(out, b)
	return out
}

func formatFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
