// Package stateful pairs the operational FSM with the sub-state machine that
// tracks one transition through preparation, propagation, execution and
// finalisation.
package stateful

import (
	"context"
	"fmt"
	"sync"

	lfsm "github.com/looplab/fsm"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/fsm/actions"
	"github.com/goliatone/go-runcontrol/logging"
)

const (
	phaseIdle        = "idle"
	phasePreparing   = "preparing"
	phaseReady       = "ready"
	phasePropagating = "propagating"
	phasePropagated  = "propagated"
	phaseExecuting   = "executing"
	phaseTerminated  = "terminated"
	phaseFinalising  = "finalising"
)

func newLifecycle() *lfsm.FSM {
	return lfsm.NewFSM(
		phaseIdle,
		lfsm.Events{
			{Name: "prepare", Src: []string{phaseIdle}, Dst: phasePreparing},
			{Name: "ready", Src: []string{phasePreparing}, Dst: phaseReady},
			{Name: "abort", Src: []string{phasePreparing, phaseFinalising}, Dst: phaseIdle},
			{Name: "propagate", Src: []string{phaseReady}, Dst: phasePropagating},
			{Name: "finish_propagating", Src: []string{phasePropagating}, Dst: phasePropagated},
			{Name: "start", Src: []string{phasePropagated}, Dst: phaseExecuting},
			{Name: "terminate", Src: []string{phaseExecuting}, Dst: phaseTerminated},
			{Name: "finalise", Src: []string{phaseTerminated}, Dst: phaseFinalising},
			{Name: "complete", Src: []string{phaseFinalising}, Dst: phaseIdle},
		},
		lfsm.Callbacks{},
	)
}

// subState renders the sub-state name of phase for transition t.
func subState(phase, t string) string {
	switch phase {
	case phasePreparing, phasePropagating, phaseExecuting, phaseFinalising:
		return phase + "-" + t
	case phaseReady, phasePropagated, phaseTerminated:
		return t + "-" + phase
	}
	return ""
}

// Node is the stateful core of a controller. Every method is safe for
// concurrent use.
type Node struct {
	mu        sync.Mutex
	machine   *fsm.FSM
	pipelines *actions.Set
	lifecycle *lfsm.FSM
	sender    *broadcast.Sender
	logger    logging.Logger

	state    string
	subState string
	included bool
	inError  bool
}

// Option configures a Node.
type Option func(*Node)

func WithPipelines(set *actions.Set) Option {
	return func(n *Node) {
		n.pipelines = set
	}
}

func WithBroadcaster(sender *broadcast.Sender) Option {
	return func(n *Node) {
		n.sender = sender
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New starts in the FSM's initial state, included and not in error.
func New(machine *fsm.FSM, opts ...Option) *Node {
	n := &Node{
		machine:   machine,
		lifecycle: newLifecycle(),
		logger:    logging.Nop(),
		state:     machine.InitialState(),
		subState:  machine.InitialState(),
		included:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func (n *Node) FSM() *fsm.FSM { return n.machine }

func (n *Node) OperationalState() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) OperationalSubState() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subState
}

func (n *Node) Included() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.included
}

func (n *Node) InError() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inError
}

// Snapshot reads every field under one lock.
func (n *Node) Snapshot(name string) runcontrol.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return runcontrol.Status{
		Name:     name,
		State:    n.state,
		SubState: n.subState,
		InError:  n.inError,
		Included: n.included,
	}
}

// FSMTransitions lists transitions executable from the operational state.
func (n *Node) FSMTransitions() []fsm.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.machine.ExecutableTransitions(n.state)
}

// CanTransition requires an idle node and an FSM that allows t.
func (n *Node) CanTransition(t fsm.Transition) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.idle() && n.machine.CanExecute(n.state, t)
}

func (n *Node) idle() bool {
	return n.state == n.subState && n.lifecycle.Current() == phaseIdle
}

// PrepareTransition runs the pre pipeline. The lock is released while the
// callbacks run; the non idle sub-state keeps other transitions out. A
// pipeline failure returns the node to idle.
func (n *Node) PrepareTransition(ctx context.Context, t fsm.Transition, data string, args actions.Args, tctx *actions.Context) (actions.Payload, error) {
	n.mu.Lock()
	if !n.idle() {
		err := n.invalidSubTransition("prepare", t.Name, n.state)
		n.mu.Unlock()
		return nil, err
	}
	if !n.machine.CanExecute(n.state, t) {
		state := n.state
		n.mu.Unlock()
		return nil, runcontrol.NewError(runcontrol.ErrInvalidTransition,
			fmt.Sprintf("transition %q cannot be executed from state %q", t.Name, state), nil,
			map[string]any{"transition": t.Name, "state": state})
	}
	if err := n.advance(ctx, "prepare", phasePreparing, t.Name); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	tctx = n.callbackContext(tctx)
	n.mu.Unlock()

	out, err := n.pipelines.Pre(t.Name).Execute(ctx, data, args, tctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.logger.Error("pre transition callbacks of %s failed: %v", t.Name, err)
		_ = n.lifecycle.Event(ctx, "abort")
		n.setSubState(n.state)
		return nil, err
	}
	if err := n.advance(ctx, "ready", phaseReady, t.Name); err != nil {
		return nil, err
	}
	return out, nil
}

// PropagateTransitionMark moves t-ready to propagating-t.
func (n *Node) PropagateTransitionMark(ctx context.Context, t fsm.Transition) error {
	return n.step(ctx, "propagate", phaseReady, phasePropagating, t.Name)
}

// FinishPropagatingTransitionMark moves propagating-t to t-propagated.
func (n *Node) FinishPropagatingTransitionMark(ctx context.Context, t fsm.Transition) error {
	return n.step(ctx, "finish_propagating", phasePropagating, phasePropagated, t.Name)
}

// StartTransitionMark moves t-propagated to executing-t.
func (n *Node) StartTransitionMark(ctx context.Context, t fsm.Transition) error {
	return n.step(ctx, "start", phasePropagated, phaseExecuting, t.Name)
}

// TerminateTransitionMark moves executing-t to t-terminated and is the one
// place the operational state advances.
func (n *Node) TerminateTransitionMark(ctx context.Context, t fsm.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.expect("terminate", phaseExecuting, t.Name); err != nil {
		return err
	}
	dest, err := n.machine.DestinationState(n.state, t)
	if err != nil {
		return err
	}
	if err := n.advance(ctx, "terminate", phaseTerminated, t.Name); err != nil {
		return err
	}
	n.setState(dest)
	return nil
}

// FinaliseTransition runs the post pipeline and returns the node to idle.
// The post payload is returned for logging only.
func (n *Node) FinaliseTransition(ctx context.Context, t fsm.Transition, data string, args actions.Args, tctx *actions.Context) (actions.Payload, error) {
	n.mu.Lock()
	if err := n.expect("finalise", phaseTerminated, t.Name); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := n.advance(ctx, "finalise", phaseFinalising, t.Name); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	tctx = n.callbackContext(tctx)
	n.mu.Unlock()

	out, err := n.pipelines.Post(t.Name).Execute(ctx, data, args, tctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	if lerr := n.lifecycle.Event(ctx, "complete"); lerr != nil {
		return nil, lerr
	}
	n.setSubState(n.state)
	if err != nil {
		n.logger.Error("post transition callbacks of %s failed: %v", t.Name, err)
		return nil, err
	}
	return out, nil
}

func (n *Node) Include() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.included {
		return runcontrol.NewError(runcontrol.ErrCannotInclude, "node is already included", nil, nil)
	}
	n.setFlag("included", &n.included, true)
	return nil
}

func (n *Node) Exclude() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.included {
		return runcontrol.NewError(runcontrol.ErrCannotExclude, "node is already excluded", nil, nil)
	}
	n.setFlag("included", &n.included, false)
	return nil
}

func (n *Node) ToError() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setFlag("in_error", &n.inError, true)
}

func (n *Node) ResolveError() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setFlag("in_error", &n.inError, false)
}

func (n *Node) step(ctx context.Context, event, from, to, t string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.expect(event, from, t); err != nil {
		return err
	}
	return n.advance(ctx, event, to, t)
}

// expect checks the exact predecessor sub-state. Caller holds the lock.
func (n *Node) expect(event, phase, t string) error {
	want := subState(phase, t)
	if n.subState != want || n.lifecycle.Current() != phase {
		return n.invalidSubTransition(event, t, want)
	}
	return nil
}

func (n *Node) advance(ctx context.Context, event, phase, t string) error {
	if err := n.lifecycle.Event(ctx, event); err != nil {
		return n.invalidSubTransition(event, t, subState(phase, t))
	}
	n.setSubState(subState(phase, t))
	return nil
}

func (n *Node) invalidSubTransition(event, t, expected string) error {
	return runcontrol.NewError(runcontrol.ErrInvalidSubTransition,
		fmt.Sprintf("SubTransition %q cannot be executed, state needs to be %q, it is now %q", event, expected, n.subState), nil,
		map[string]any{"transition": t, "expected": expected, "current": n.subState})
}

func (n *Node) callbackContext(tctx *actions.Context) *actions.Context {
	if tctx == nil {
		tctx = &actions.Context{}
	}
	cp := *tctx
	cp.State = n.state
	if cp.Logger == nil {
		cp.Logger = n.logger
	}
	return &cp
}

func (n *Node) setState(value string) {
	if n.state != value {
		n.sender.Broadcastf(broadcast.FSMStatusUpdate, "Changing operational_state from %s to %s", n.state, value)
	}
	n.state = value
}

func (n *Node) setSubState(value string) {
	if n.subState != value {
		n.sender.Broadcastf(broadcast.FSMStatusUpdate, "Changing operational_sub_state from %s to %s", n.subState, value)
	}
	n.subState = value
}

func (n *Node) setFlag(name string, field *bool, value bool) {
	if *field != value {
		n.sender.Broadcastf(broadcast.StatusUpdate, "Changing %s from %t to %t", name, *field, value)
	}
	*field = value
}
