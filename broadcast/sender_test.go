package broadcast

import (
	"bytes"
	"testing"

	"github.com/goliatone/go-runcontrol/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderStampsEmitter(t *testing.T) {
	sink := NewChannelSink(4)
	sender := NewSender("root", "s1", WithSink(sink))

	sender.Broadcastf(TextMessage, "hello %d", 1)

	msgs := sink.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "root.s1", msgs[0].Emitter.Identifier())
	assert.Equal(t, TextMessage, msgs[0].Type)
	assert.Equal(t, "hello 1", msgs[0].Text)
}

func TestNilSenderAndSinkAreSafe(t *testing.T) {
	var sender *Sender
	assert.NotPanics(t, func() { sender.Broadcast(Ack, "x") })
	assert.Nil(t, sender.Describe())

	noSink := NewSender("root", "s1")
	assert.NotPanics(t, func() { noSink.Broadcast(Ack, "x") })
	assert.Nil(t, noSink.Describe())
}

func TestSenderSurvivesPanickingSink(t *testing.T) {
	sender := NewSender("root", "s1", WithSink(SinkFunc(func(Message) { panic("boom") })))
	assert.NotPanics(t, func() { sender.Broadcast(ServerReady, "ready") })
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Send(Message{Type: Ack})
	sink.Send(Message{Type: Ack})

	assert.Equal(t, 1, sink.Dropped())
	assert.Len(t, sink.Drain(), 1)
}

func TestTypeLevels(t *testing.T) {
	assert.Equal(t, logging.LevelDebug, Ack.Level())
	assert.Equal(t, logging.LevelDebug, Debug.Level())
	assert.Equal(t, logging.LevelError, ExceptionRaised.Level())
	assert.Equal(t, logging.LevelError, ChildCommandExecutionFailed.Level())
	assert.Equal(t, logging.LevelFatal, UnhandledExceptionRaised.Level())
	assert.Equal(t, logging.LevelInfo, ServerReady.Level())
}

func TestLogSinkWritesAtTypeLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	sender := NewSender("root", "s1", WithSink(NewLogSink(logging.NewTextLogger(buf))))

	sender.Broadcast(ExceptionRaised, "child failed")

	assert.Contains(t, buf.String(), "ERROR")
	assert.Contains(t, buf.String(), "[root.s1] EXCEPTION_RAISED: child failed")
}

func TestMultiSink(t *testing.T) {
	a, b := NewChannelSink(2), NewChannelSink(2)
	sender := NewSender("pm", "s1", WithSink(MultiSink{a, nil, b}), WithKind("multi"))

	sender.Broadcast(SubprocessStatusUpdate, "exited")

	assert.Len(t, a.Drain(), 1)
	assert.Len(t, b.Drain(), 1)
	assert.Equal(t, "multi", sender.Describe().Type)
}
