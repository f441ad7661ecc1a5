package logging

import (
	"context"
	"io"
	"os"

	"github.com/goliatone/go-logger/glog"
)

type glogLogger struct {
	logger glog.Logger
}

// FromGlog adapts a go-logger logger to Logger.
func FromGlog(logger glog.Logger) Logger {
	if logger == nil {
		return NewTextLogger(nil)
	}
	return glogLogger{logger: logger}
}

// NewGlog builds a go-logger logger writing to out (stderr when nil) at the
// given level, JSON encoded when json is set.
func NewGlog(out io.Writer, level string, json bool) Logger {
	if out == nil {
		out = os.Stderr
	}
	if level == "" {
		level = "info"
	}
	var base glog.Logger
	if json {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLoggerTypeJSON(), glog.WithLevel(level))
	} else {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))
	}
	return FromGlog(base)
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
