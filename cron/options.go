package cron

import (
	"fmt"
	"time"

	"github.com/goliatone/go-runcontrol/logging"
)

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSeconds accepts six field expressions with a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// WithErrorHandler is called after every failed run, once its attempts
// are spent. Failures caused by Stop are not reported.
func WithErrorHandler(handler func(name string, err error)) Option {
	return func(s *Scheduler) {
		s.onError = handler
	}
}

// cronLogger satisfies rcron.Logger. robfig passes key value pairs after
// the message.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Trace("cron %s%s", msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron %s%s: %v", msg, pairs(keysAndValues), err)
}

func pairs(kv []any) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		out += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return out
}
