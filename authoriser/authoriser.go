// Package authoriser decides whether a token may run a command.
package authoriser

import (
	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

// Action classifies a command for authorisation.
type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

// System names the kind of node being asked.
type System string

const (
	SystemController     System = "controller"
	SystemProcessManager System = "process_manager"
)

type Authoriser interface {
	IsAuthorised(token runcontrol.Token, action Action, system System, command string) bool
}

// Func adapts a function to Authoriser.
type Func func(token runcontrol.Token, action Action, system System, command string) bool

func (f Func) IsAuthorised(token runcontrol.Token, action Action, system System, command string) bool {
	return f(token, action, system, command)
}

// Dummy authorises everything and logs each decision at debug.
type Dummy struct {
	logger logging.Logger
}

func NewDummy(logger logging.Logger) *Dummy {
	return &Dummy{logger: logging.Named(logger, "authoriser")}
}

func (d *Dummy) IsAuthorised(token runcontrol.Token, action Action, system System, command string) bool {
	if d != nil && d.logger != nil {
		d.logger.Debug("authorising %s to %s (%s) on %s", token.UserName, action, command, system)
	}
	return true
}
