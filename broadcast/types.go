// Package broadcast emits fire-and-forget lifecycle events.
package broadcast

import "github.com/goliatone/go-runcontrol/logging"

// Type classifies a broadcast message.
type Type string

const (
	Ack                          Type = "ACK"
	ReceiverRemoved              Type = "RECEIVER_REMOVED"
	ReceiverAdded                Type = "RECEIVER_ADDED"
	ServerReady                  Type = "SERVER_READY"
	ServerShutdown               Type = "SERVER_SHUTDOWN"
	TextMessage                  Type = "TEXT_MESSAGE"
	CommandExecutionStart        Type = "COMMAND_EXECUTION_START"
	CommandExecutionSuccess      Type = "COMMAND_EXECUTION_SUCCESS"
	ExceptionRaised              Type = "EXCEPTION_RAISED"
	UnhandledExceptionRaised     Type = "UNHANDLED_EXCEPTION_RAISED"
	StatusUpdate                 Type = "STATUS_UPDATE"
	FSMStatusUpdate              Type = "FSM_STATUS_UPDATE"
	SubprocessStatusUpdate       Type = "SUBPROCESS_STATUS_UPDATE"
	Debug                        Type = "DEBUG"
	ChildCommandExecutionStart   Type = "CHILD_COMMAND_EXECUTION_START"
	ChildCommandExecutionSuccess Type = "CHILD_COMMAND_EXECUTION_SUCCESS"
	ChildCommandExecutionFailed  Type = "CHILD_COMMAND_EXECUTION_FAILED"
)

// Level returns the log level a message of this type is written at.
func (t Type) Level() logging.Level {
	switch t {
	case Ack, Debug:
		return logging.LevelDebug
	case ExceptionRaised, ChildCommandExecutionFailed:
		return logging.LevelError
	case UnhandledExceptionRaised:
		return logging.LevelFatal
	default:
		return logging.LevelInfo
	}
}

// Emitter identifies the sending process.
type Emitter struct {
	Process string `json:"process"`
	Session string `json:"session"`
}

// Identifier is the "name.session" form used as the message key.
func (e Emitter) Identifier() string {
	return e.Process + "." + e.Session
}

// Message is one broadcast event.
type Message struct {
	Emitter Emitter `json:"emitter"`
	Type    Type    `json:"type"`
	Text    string  `json:"text"`
}
