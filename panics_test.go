package runcontrol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recoverStack(fn func()) (cause any, stack []byte) {
	defer func() {
		cause = recover()
		stack = CaptureStack()
	}()
	fn()
	return nil, nil
}

func TestCaptureStackStartsAtPanickingFrame(t *testing.T) {
	cause, stack := recoverStack(func() { panic("exploded") })

	require.Equal(t, "exploded", cause)
	assert.False(t, strings.HasPrefix(string(stack), "goroutine"))
	assert.NotContains(t, string(stack), "panic(")
	assert.Contains(t, string(stack), "TestCaptureStackStartsAtPanickingFrame")
}

func TestTrimPanicFramesWithoutPanicKeepsStack(t *testing.T) {
	stack := []byte("goroutine 1 [running]:\nmain.main()\n")
	assert.Equal(t, stack, trimPanicFrames(stack))
}

func TestStacktraceFrom(t *testing.T) {
	trace := StacktraceFrom(errors.New("boom"), []byte("frame one\n\n  frame two\n"))
	assert.Equal(t, []string{"boom", "frame one", "  frame two"}, trace.Text)

	trace = StacktraceFrom(42, nil)
	assert.Equal(t, []string{"42"}, trace.Text)
}
