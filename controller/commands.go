package controller

import (
	"context"
	"fmt"
	"time"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/authoriser"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/fsm/actions"
)

// AllTransitions is the describe_fsm key selecting every transition.
const AllTransitions = "all-transitions"

var commandTable = []runcontrol.CommandDescription{
	{Name: runcontrol.CommandDescribe, ReturnType: "Description", Help: "describe the controller and its children"},
	{Name: runcontrol.CommandStatus, ReturnType: "Status", Help: "status of the controller and its children"},
	{Name: runcontrol.CommandDescribeFSM, DataType: []string{"PlainText"}, ReturnType: "FSMCommandsDescription", Help: "transitions matching a state, a name, all-transitions, or executable now when empty"},
	{Name: runcontrol.CommandExecuteFSM, DataType: []string{"FSMCommand"}, ReturnType: "FSMCommandResponse", Help: "execute a transition on the controller and its children"},
	{Name: runcontrol.CommandInclude, ReturnType: "PlainText", Help: "include the controller and its children"},
	{Name: runcontrol.CommandExclude, ReturnType: "PlainText", Help: "exclude the controller and its children"},
	{Name: runcontrol.CommandTakeControl, ReturnType: "PlainText", Help: "take control of the controller and its children"},
	{Name: runcontrol.CommandSurrenderControl, ReturnType: "PlainText", Help: "surrender control of the controller and its children"},
	{Name: runcontrol.CommandWhoIsInCharge, ReturnType: "PlainText", Help: "user in control of the controller"},
}

// Commands lists the command surface, in the order it is described.
func Commands() []runcontrol.CommandDescription {
	return append([]runcontrol.CommandDescription(nil), commandTable...)
}

// run wraps every command: acknowledge, authorise, execute, announce the
// outcome. Errors and panics from fn become exception-flagged responses.
func (c *Controller) run(ctx context.Context, command string, action authoriser.Action, token runcontrol.Token, fn func(context.Context) (runcontrol.Response, error)) (resp runcontrol.Response) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = c.exception(command, token, r, runcontrol.CaptureStack())
		}
		c.metrics.ObserveCommand(command, resp.Flag, time.Since(started))
	}()

	c.sender.Broadcastf(broadcast.Ack, "User '%s' attempting to execute '%s'", token.UserName, command)
	if !c.authoriser.IsAuthorised(token, action, authoriser.SystemController, command) {
		return runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagNotExecutedNotAuthorised,
			fmt.Sprintf("User '%s' is not authorised to execute '%s'", token.UserName, command))
	}

	resp, err := fn(ctx)
	if err != nil {
		return c.exception(command, token, err, runcontrol.CaptureStack())
	}
	if resp.Name == "" {
		resp.Name = c.name
	}
	resp.Token = token
	c.sender.Broadcastf(broadcast.CommandExecutionSuccess, "User '%s' successfully executed '%s'", token.UserName, command)
	return resp
}

func (c *Controller) exception(command string, token runcontrol.Token, cause any, stack []byte) runcontrol.Response {
	flag := runcontrol.FlagUnhandledExceptionThrown
	typ := broadcast.UnhandledExceptionRaised
	if err, ok := cause.(error); ok && runcontrol.IsDomainError(err) {
		flag = runcontrol.FlagDomainExceptionThrown
		typ = broadcast.ExceptionRaised
	}
	c.logger.Error("%s failed: %v", command, cause)
	c.sender.Broadcastf(typ, "'%s' failed: %v", command, cause)
	return runcontrol.Response{
		Name:  c.name,
		Token: token,
		Flag:  flag,
		Data:  runcontrol.Payload{Stacktrace: runcontrol.StacktraceFrom(cause, stack)},
	}
}

func (c *Controller) notInControl(token runcontrol.Token) runcontrol.Response {
	return runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagNotExecutedNotInControl,
		fmt.Sprintf("User %s is not in control of %s", token.UserName, c.name))
}

func (c *Controller) Describe(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandDescribe, authoriser.ActionRead, token, func(ctx context.Context) (runcontrol.Response, error) {
		desc := &runcontrol.Description{
			Type:      "controller",
			Name:      c.name,
			Endpoint:  c.uri,
			Info:      c.detector,
			Session:   c.session,
			Commands:  Commands(),
			Broadcast: c.sender.Describe(),
		}
		return runcontrol.Response{
			Flag:     runcontrol.FlagExecutedSuccessfully,
			Data:     runcontrol.Payload{Description: desc},
			Children: c.propagate(ctx, runcontrol.CommandDescribe, nil, token, c.children),
		}, nil
	})
}

func (c *Controller) Status(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandStatus, authoriser.ActionRead, token, func(ctx context.Context) (runcontrol.Response, error) {
		status := c.node.Snapshot(c.name)
		return runcontrol.Response{
			Flag:     runcontrol.FlagExecutedSuccessfully,
			Data:     runcontrol.Payload{Status: &status},
			Children: c.propagate(ctx, runcontrol.CommandStatus, nil, token, c.children),
		}, nil
	})
}

// DescribeFSM returns the transitions selected by key: every transition for
// AllTransitions, those executable now for an empty key, otherwise those
// whose source or name equals key.
func (c *Controller) DescribeFSM(ctx context.Context, key string, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandDescribeFSM, authoriser.ActionRead, token, func(context.Context) (runcontrol.Response, error) {
		machine := c.node.FSM()
		var selected []fsm.Transition
		switch key {
		case AllTransitions:
			selected = machine.AllTransitions()
		case "":
			selected = c.node.FSMTransitions()
		default:
			for _, t := range machine.AllTransitions() {
				if t.Source == key || t.Name == key {
					selected = append(selected, t)
				}
			}
		}
		return runcontrol.Response{
			Flag: runcontrol.FlagExecutedSuccessfully,
			Data: runcontrol.Payload{FSMCommands: &runcontrol.FSMCommandsDescription{
				Type:     "controller",
				Name:     c.name,
				Session:  c.session,
				Commands: machine.Describe(selected),
			}},
		}, nil
	})
}

// ExecuteFSMCommand runs one transition over the subtree. Rejections are
// reported in the FSM flag; a failing subtree marks this node in error while
// its own step still reports success.
func (c *Controller) ExecuteFSMCommand(ctx context.Context, cmd runcontrol.FSMCommand, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandExecuteFSM, authoriser.ActionUpdate, token, func(ctx context.Context) (runcontrol.Response, error) {
		if !c.actor.InControl(token) {
			return c.notInControl(token), nil
		}
		reject := func(flag runcontrol.FSMFlag, message string) (runcontrol.Response, error) {
			c.logger.Error("not executing %s: %s", cmd.CommandName, message)
			c.metrics.ObserveTransition(cmd.CommandName, flag)
			return runcontrol.FSMResponse(c.name, token, flag, cmd.CommandName, message, nil), nil
		}

		if c.node.InError() {
			return reject(runcontrol.FSMNotExecutedInError, c.name+" is in error")
		}
		if !c.node.Included() {
			return reject(runcontrol.FSMNotExecutedExcluded, c.name+" is excluded")
		}
		transition, err := c.node.FSM().Transition(cmd.CommandName)
		if err != nil {
			return reject(runcontrol.FSMInvalidTransition, runcontrol.ErrorMessage(err))
		}
		if !c.node.CanTransition(transition) {
			return reject(runcontrol.FSMInvalidTransition, fmt.Sprintf("Cannot %q as this is an invalid command in state %q",
				transition.Name, c.node.OperationalState()))
		}
		decoded, err := fsm.DecodeArguments(transition, cmd.Arguments)
		if err != nil {
			return reject(runcontrol.FSMFailed, runcontrol.ErrorMessage(err))
		}
		targets, err := c.selectChildren(cmd.ChildrenNodes)
		if err != nil {
			return reject(runcontrol.FSMFailed, runcontrol.ErrorMessage(err))
		}
		args := actions.Args(decoded)
		tctx := &actions.Context{Node: c.name, Session: c.session, Logger: c.logger}

		payload, err := c.node.PrepareTransition(ctx, transition, cmd.Data, args, tctx)
		if err != nil {
			return reject(prepareFlag(err), runcontrol.ErrorMessage(err))
		}
		data, err := payload.Encode()
		if err != nil {
			return runcontrol.Response{}, err
		}
		if err := c.node.PropagateTransitionMark(ctx, transition); err != nil {
			return runcontrol.Response{}, err
		}

		forwarded := runcontrol.FSMCommand{CommandName: cmd.CommandName, Arguments: cmd.Arguments, Data: data}
		responses := c.propagate(ctx, runcontrol.CommandExecuteFSM, forwarded, token, targets)

		for _, mark := range []func(context.Context, fsm.Transition) error{
			c.node.FinishPropagatingTransitionMark,
			c.node.StartTransitionMark,
			c.node.TerminateTransitionMark,
		} {
			if err := mark(ctx, transition); err != nil {
				return runcontrol.Response{}, err
			}
		}
		if _, err := c.node.FinaliseTransition(ctx, transition, data, args, tctx); err != nil {
			c.logger.Error("post transition callbacks of %s failed, marking %s in error", transition.Name, c.name)
			c.ToError()
		}

		for _, child := range responses {
			if child.Flag != runcontrol.FlagExecutedSuccessfully || child.FSMFlag() != runcontrol.FSMExecutedSuccessfully {
				c.logger.Error("%s did not execute %s: %s %s", child.Name, transition.Name, child.Flag, child.FSMFlag())
				c.ToError()
			}
		}

		c.sender.Broadcastf(broadcast.FSMStatusUpdate, "%s is now %s", c.name, c.node.OperationalState())
		c.metrics.ObserveTransition(transition.Name, runcontrol.FSMExecutedSuccessfully)
		return runcontrol.FSMResponse(c.name, token, runcontrol.FSMExecutedSuccessfully, cmd.CommandName, "", responses), nil
	})
}

// prepareFlag reports a transition the node refused to enter as invalid and
// anything else as a failure.
func prepareFlag(err error) runcontrol.FSMFlag {
	if runcontrol.HasCode(err, runcontrol.ErrCodeInvalidTransition) ||
		runcontrol.HasCode(err, runcontrol.ErrCodeInvalidSubTransition) {
		return runcontrol.FSMInvalidTransition
	}
	return runcontrol.FSMFailed
}

func (c *Controller) Include(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandInclude, authoriser.ActionUpdate, token, func(ctx context.Context) (runcontrol.Response, error) {
		return c.toggle(ctx, runcontrol.CommandInclude, token, c.node.Include, "included")
	})
}

func (c *Controller) Exclude(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandExclude, authoriser.ActionUpdate, token, func(ctx context.Context) (runcontrol.Response, error) {
		return c.toggle(ctx, runcontrol.CommandExclude, token, c.node.Exclude, "excluded")
	})
}

func (c *Controller) toggle(ctx context.Context, command string, token runcontrol.Token, apply func() error, verb string) (runcontrol.Response, error) {
	if !c.actor.InControl(token) {
		return c.notInControl(token), nil
	}
	if err := apply(); err != nil {
		c.logger.Error("%s is already %s", c.name, verb)
		return runcontrol.Response{}, err
	}
	responses := c.propagate(ctx, command, nil, token, c.children)
	resp := runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagExecutedSuccessfully,
		fmt.Sprintf("%s and children %s", c.name, verb))
	resp.Children = responses
	return resp, nil
}

// TakeControl hands the node to token whoever held it before.
func (c *Controller) TakeControl(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandTakeControl, authoriser.ActionUpdate, token, func(ctx context.Context) (runcontrol.Response, error) {
		c.actor.TakeControl(token)
		responses := c.propagate(ctx, runcontrol.CommandTakeControl, nil, token, c.children)
		return c.controlOutcome(token, responses, "Could not take control on all children",
			fmt.Sprintf("%s took control", token.UserName)), nil
	})
}

func (c *Controller) SurrenderControl(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandSurrenderControl, authoriser.ActionUpdate, token, func(ctx context.Context) (runcontrol.Response, error) {
		if !c.actor.InControl(token) {
			return c.notInControl(token), nil
		}
		if err := c.actor.SurrenderControl(token); err != nil {
			return runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagFailed, "Could not surrender control"), nil
		}
		responses := c.propagate(ctx, runcontrol.CommandSurrenderControl, nil, token, c.children)
		return c.controlOutcome(token, responses, "Could not surrender control on all children",
			fmt.Sprintf("%s surrendered control", token.UserName)), nil
	})
}

func (c *Controller) controlOutcome(token runcontrol.Token, responses []runcontrol.Response, failure, success string) runcontrol.Response {
	resp := runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagExecutedSuccessfully, success)
	for _, child := range responses {
		if !controlAccepted(child.Flag) {
			resp = runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagFailed, failure)
			break
		}
	}
	resp.Children = responses
	return resp
}

func (c *Controller) WhoIsInCharge(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return c.run(ctx, runcontrol.CommandWhoIsInCharge, authoriser.ActionRead, token, func(context.Context) (runcontrol.Response, error) {
		return runcontrol.PlainTextResponse(c.name, token, runcontrol.FlagExecutedSuccessfully, c.actor.UserName()), nil
	})
}
