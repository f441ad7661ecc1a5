package runcontrol

import (
	"fmt"
	"runtime"
	"strings"
)

// CaptureStack returns the current goroutine stack with the runtime panic
// frames removed.
func CaptureStack() []byte {
	buf := make([]byte, 8<<10)
	return trimPanicFrames(buf[:runtime.Stack(buf, false)])
}

// StacktraceFrom converts a recovered value or an error into a stacktrace
// payload. The first line is always the error text.
func StacktraceFrom(cause any, stack []byte) *Stacktrace {
	lines := []string{fmt.Sprintf("%v", cause)}
	if err, ok := cause.(error); ok {
		lines[0] = err.Error()
	}
	for _, line := range strings.Split(string(stack), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return &Stacktrace{Text: lines}
}

// trimPanicFrames drops everything up to and including the runtime
// panic call so the stack starts at the panicking frame.
func trimPanicFrames(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") && i+2 < len(lines) {
			return []byte(strings.Join(lines[i+2:], "\n"))
		}
	}
	return stack
}
