package children

import (
	"context"
	"sync"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/logging"
)

const (
	directIdle      = "idle"
	directExecuting = "executing_cmd"
)

// Direct emulates a child locally. It is what an unreachable child
// degrades to, so a tree with a missing leaf still starts.
type Direct struct {
	name    string
	machine *fsm.FSM
	logger  logging.Logger

	mu        sync.Mutex
	state     string
	executing bool
	included  bool
	inError   bool
}

// DirectOption configures a Direct node.
type DirectOption func(*Direct)

// WithMachine lets execute_fsm_command follow the machine's destinations.
func WithMachine(machine *fsm.FSM) DirectOption {
	return func(d *Direct) {
		if machine != nil {
			d.machine = machine
			d.state = machine.InitialState()
		}
	}
}

func WithDirectLogger(logger logging.Logger) DirectOption {
	return func(d *Direct) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDirect(name string, opts ...DirectOption) *Direct {
	d := &Direct{
		name:     name,
		logger:   logging.Nop(),
		state:    "initial",
		included: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Direct) Name() string     { return d.name }
func (d *Direct) Type() Type       { return TypeDirect }
func (d *Direct) Endpoint() string { return "" }
func (d *Direct) Terminate()       {}

// ToError marks the node as unreachable.
func (d *Direct) ToError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inError = true
}

func (d *Direct) ResolveError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inError = false
}

func (d *Direct) InError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inError
}

func (d *Direct) GetStatus(_ context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := directIdle
	if d.executing {
		sub = directExecuting
	}
	return statusResponse(token, runcontrol.Status{
		Name:     d.name,
		State:    d.state,
		SubState: sub,
		InError:  d.inError,
		Included: d.included,
	}), nil
}

func (d *Direct) Describe(_ context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return runcontrol.Response{
		Name:  d.name,
		Token: token,
		Flag:  runcontrol.FlagExecutedSuccessfully,
		Data: runcontrol.Payload{Description: &runcontrol.Description{
			Type: string(TypeDirect),
			Name: d.name,
			Commands: []runcontrol.CommandDescription{
				{Name: runcontrol.CommandDescribe, ReturnType: "Description", Help: "describe the node"},
				{Name: runcontrol.CommandStatus, ReturnType: "Status", Help: "status of the node"},
				{Name: runcontrol.CommandInclude, ReturnType: "PlainText", Help: "include the node"},
				{Name: runcontrol.CommandExclude, ReturnType: "PlainText", Help: "exclude the node"},
				{Name: runcontrol.CommandExecuteFSM, DataType: []string{"FSMCommand"}, ReturnType: "FSMCommandResponse", Help: "execute a transition"},
			},
		}},
	}, nil
}

func (d *Direct) PropagateCommand(ctx context.Context, command string, data any, token runcontrol.Token) (runcontrol.Response, error) {
	switch command {
	case runcontrol.CommandInclude:
		d.setIncluded(true)
		return runcontrol.PlainTextResponse(d.name, token, runcontrol.FlagExecutedSuccessfully, "'"+d.name+"' included"), nil
	case runcontrol.CommandExclude:
		d.setIncluded(false)
		return runcontrol.PlainTextResponse(d.name, token, runcontrol.FlagExecutedSuccessfully, "'"+d.name+"' excluded"), nil
	case runcontrol.CommandDescribe:
		return d.Describe(ctx, token)
	case runcontrol.CommandStatus:
		return d.GetStatus(ctx, token)
	case runcontrol.CommandTakeControl, runcontrol.CommandSurrenderControl:
		return runcontrol.Response{Name: d.name, Token: token, Flag: runcontrol.FlagExecutedSuccessfully}, nil
	case runcontrol.CommandExecuteFSM:
		return d.executeFSM(commandName(data), token)
	}
	d.logger.Info("Ignoring command '%s' sent to '%s'", command, d.name)
	return notImplemented(d.name, token), nil
}

func (d *Direct) executeFSM(transition string, token runcontrol.Token) (runcontrol.Response, error) {
	d.mu.Lock()
	switch {
	case !d.included:
		d.mu.Unlock()
		return runcontrol.FSMResponse(d.name, token, runcontrol.FSMNotExecutedExcluded, transition, "", nil), nil
	case d.inError:
		d.mu.Unlock()
		return runcontrol.FSMResponse(d.name, token, runcontrol.FSMNotExecutedInError, transition, "", nil), nil
	}
	entry := d.state
	d.executing = true
	d.mu.Unlock()

	exit, err := d.destination(entry, transition)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.executing = false
	if err != nil {
		return runcontrol.FSMResponse(d.name, token, runcontrol.FSMInvalidTransition, transition,
			runcontrol.ErrorMessage(err), nil), nil
	}
	d.state = exit
	return runcontrol.FSMResponse(d.name, token, runcontrol.FSMExecutedSuccessfully, transition, "successful", nil), nil
}

// destination keeps the state unchanged when no machine is configured.
func (d *Direct) destination(entry, transition string) (string, error) {
	if d.machine == nil {
		return entry, nil
	}
	t, err := d.machine.Transition(transition)
	if err != nil {
		return "", err
	}
	return d.machine.DestinationState(entry, t)
}

func (d *Direct) setIncluded(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.included = v
}
