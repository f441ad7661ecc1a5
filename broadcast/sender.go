package broadcast

import (
	"fmt"
	"sync"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

// Sink receives broadcast messages. Send must not block.
type Sink interface {
	Send(Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message)

func (f SinkFunc) Send(msg Message) { f(msg) }

// Sender stamps messages with the emitter and forwards them to the sink.
// A nil Sender or a nil sink drops everything.
type Sender struct {
	emitter Emitter
	sink    Sink
	kind    string
	logger  logging.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithSink sets the sink.
func WithSink(sink Sink) Option {
	return func(s *Sender) {
		s.sink = sink
	}
}

// WithLogger sets the logger used to report sink panics.
func WithLogger(logger logging.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKind names the backend in describe output.
func WithKind(kind string) Option {
	return func(s *Sender) {
		s.kind = kind
	}
}

// NewSender builds a sender for the process name in session.
func NewSender(name, session string, opts ...Option) *Sender {
	s := &Sender{
		emitter: Emitter{Process: name, Session: session},
		kind:    "log",
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Broadcast sends text with the given type. It never fails.
func (s *Sender) Broadcast(typ Type, text string) {
	if s == nil || s.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("broadcast sink panicked on %s: %v", typ, r)
		}
	}()
	s.sink.Send(Message{Emitter: s.emitter, Type: typ, Text: text})
}

// Broadcastf formats and sends.
func (s *Sender) Broadcastf(typ Type, format string, args ...any) {
	if s == nil || s.sink == nil {
		return
	}
	s.Broadcast(typ, fmt.Sprintf(format, args...))
}

// Describe reports the broadcast backend, nil when broadcasting is off.
func (s *Sender) Describe() *runcontrol.BroadcastDescription {
	if s == nil || s.sink == nil {
		return nil
	}
	return &runcontrol.BroadcastDescription{Type: s.kind, Address: s.emitter.Identifier()}
}

// LogSink writes every message through a logger at the type's level.
type LogSink struct {
	logger logging.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logging.Normalize(logger)}
}

func (l *LogSink) Send(msg Message) {
	logging.Log(l.logger, msg.Type.Level(), "[%s] %s: %s", msg.Emitter.Identifier(), msg.Type, msg.Text)
}

// ChannelSink buffers messages and drops them when the buffer is full.
type ChannelSink struct {
	ch      chan Message
	mu      sync.Mutex
	dropped int
}

func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Message, size)}
}

func (c *ChannelSink) Send(msg Message) {
	select {
	case c.ch <- msg:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Messages exposes the receive side.
func (c *ChannelSink) Messages() <-chan Message {
	return c.ch
}

// Dropped counts messages lost to a full buffer.
func (c *ChannelSink) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Drain returns every buffered message without blocking.
func (c *ChannelSink) Drain() []Message {
	var out []Message
	for {
		select {
		case msg := <-c.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// MultiSink fans a message out to several sinks.
type MultiSink []Sink

func (m MultiSink) Send(msg Message) {
	for _, sink := range m {
		if sink != nil {
			sink.Send(msg)
		}
	}
}
