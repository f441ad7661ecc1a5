package controller

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/children"
)

// propagate sends command to every target concurrently and returns one
// response per target in target order. A child that errors or panics is
// reported as an exception response; siblings are never cancelled.
func (c *Controller) propagate(ctx context.Context, command string, data any, token runcontrol.Token, targets []children.Node) []runcontrol.Response {
	if len(targets) == 0 {
		return nil
	}
	c.sender.Broadcastf(broadcast.CommandExecutionStart, "Propagating %s to children", command)

	out := make([]runcontrol.Response, len(targets))
	var g errgroup.Group
	for idx, child := range targets {
		g.Go(func() error {
			out[idx] = c.propagateOne(ctx, command, data, token, child)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Controller) propagateOne(ctx context.Context, command string, data any, token runcontrol.Token, child children.Node) (resp runcontrol.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = c.childException(command, child, token, r, runcontrol.CaptureStack())
		}
	}()

	c.sender.Broadcastf(broadcast.ChildCommandExecutionStart, "Propagating %s to children (%s)", command, child.Name())
	resp, err := child.PropagateCommand(ctx, command, data, token)
	if err != nil {
		return c.childException(command, child, token, err, runcontrol.CaptureStack())
	}
	if resp.Name == "" {
		resp.Name = child.Name()
	}

	switch resp.Flag {
	case runcontrol.FlagExecutedSuccessfully:
		c.sender.Broadcastf(broadcast.ChildCommandExecutionSuccess,
			"Propagated %s to children (%s) successfully", command, child.Name())
	case runcontrol.FlagNotExecutedNotImplemented:
		c.sender.Broadcastf(broadcast.Debug,
			"Propagating %s to children (%s) is not implemented", command, child.Name())
	default:
		c.sender.Broadcastf(broadcast.ChildCommandExecutionFailed,
			"Propagating %s to children (%s) failed: %s", command, child.Name(), resp.Flag)
	}
	return resp
}

func (c *Controller) childException(command string, child children.Node, token runcontrol.Token, cause any, stack []byte) runcontrol.Response {
	flag := runcontrol.FlagUnhandledExceptionThrown
	if err, ok := cause.(error); ok && runcontrol.IsDomainError(err) {
		flag = runcontrol.FlagDomainExceptionThrown
	}
	c.logger.Error("Failed to propagate %s to %s %s: %v", command, child.Name(), flag, cause)
	c.sender.Broadcastf(broadcast.ChildCommandExecutionFailed,
		"Failed to propagate %s to %s EXCEPTION THROWN: %v", command, child.Name(), cause)
	return runcontrol.Response{
		Name:  child.Name(),
		Token: token,
		Flag:  flag,
		Data:  runcontrol.Payload{Stacktrace: runcontrol.StacktraceFrom(cause, stack)},
	}
}

// selectChildren returns the children named in names, in configuration
// order, or all of them when names is empty.
func (c *Controller) selectChildren(names []string) ([]children.Node, error) {
	if len(names) == 0 {
		return c.children, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out []children.Node
	for _, child := range c.children {
		if wanted[child.Name()] {
			out = append(out, child)
			delete(wanted, child.Name())
		}
	}
	for name := range wanted {
		return nil, runcontrol.NewError(runcontrol.ErrBadQuery,
			fmt.Sprintf("%s has no child named %q", c.name, name), nil,
			map[string]any{"controller": c.name, "child": name})
	}
	return out, nil
}
