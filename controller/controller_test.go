package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/authoriser"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/children"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/metrics"
)

const rootFSM = `
initial_state: initial
states: [initial, configured, running]
transitions:
  - name: conf
    source: initial
    destination: configured
  - name: start
    source: configured
    destination: running
pre_transitions:
  start:
    - action: user-provided-run-number
`

var (
	rootUser = runcontrol.Token{UserName: config.DefaultInitUser}
	alice    = runcontrol.Token{Token: "a-secret", UserName: "alice"}
)

type fakeChild struct {
	name  string
	reply func(command string, data any) (runcontrol.Response, error)

	mu         sync.Mutex
	commands   []string
	data       []any
	terminated atomic.Int32
}

func (f *fakeChild) Name() string        { return f.name }
func (f *fakeChild) Type() children.Type { return children.TypeDirect }
func (f *fakeChild) Endpoint() string    { return "" }
func (f *fakeChild) Terminate()          { f.terminated.Add(1) }

func (f *fakeChild) PropagateCommand(_ context.Context, command string, data any, token runcontrol.Token) (runcontrol.Response, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.data = append(f.data, data)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(command, data)
	}
	if command == runcontrol.CommandExecuteFSM {
		cmd := data.(runcontrol.FSMCommand)
		return runcontrol.FSMResponse(f.name, token, runcontrol.FSMExecutedSuccessfully, cmd.CommandName, "", nil), nil
	}
	return runcontrol.PlainTextResponse(f.name, token, runcontrol.FlagExecutedSuccessfully, command), nil
}

func (f *fakeChild) GetStatus(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return f.PropagateCommand(ctx, runcontrol.CommandStatus, nil, token)
}

func (f *fakeChild) Describe(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return f.PropagateCommand(ctx, runcontrol.CommandDescribe, nil, token)
}

func (f *fakeChild) received(command string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for idx, c := range f.commands {
		if c == command {
			out = append(out, f.data[idx])
		}
	}
	return out
}

func rootConfig(t *testing.T) config.ControllerConfig {
	t.Helper()
	machine, err := fsm.ParseConfig([]byte(rootFSM))
	require.NoError(t, err)
	return config.ControllerConfig{Name: "root", Session: "run-1", Detector: "np04", Listen: "localhost:3333", FSM: machine}
}

func newController(t *testing.T, opts []Option, kids ...children.Node) (*Controller, *broadcast.ChannelSink) {
	t.Helper()
	sink := broadcast.NewChannelSink(1024)
	opts = append([]Option{WithSink(sink), WithChildren(kids...)}, opts...)
	c, err := New(context.Background(), rootConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Terminate(context.Background()) })
	return c, sink
}

func names(responses []runcontrol.Response) []string {
	out := make([]string, 0, len(responses))
	for _, r := range responses {
		out = append(out, r.Name)
	}
	return out
}

func TestNewTakesControlOfChildren(t *testing.T) {
	kid := &fakeChild{name: "kid"}
	c, _ := newController(t, nil, kid)

	got := kid.received(runcontrol.CommandTakeControl)
	assert.Len(t, got, 1)
	assert.Equal(t, "rpc://localhost:3333", c.URI())
	assert.Equal(t, config.DefaultInitUser, c.WhoIsInCharge(context.Background(), alice).Text())
}

func TestDescribeFSMKeys(t *testing.T) {
	c, _ := newController(t, nil)
	ctx := context.Background()

	commands := func(key string) []string {
		resp := c.DescribeFSM(ctx, key, rootUser)
		require.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
		require.NotNil(t, resp.Data.FSMCommands)
		assert.Equal(t, "controller", resp.Data.FSMCommands.Type)
		assert.Equal(t, "run-1", resp.Data.FSMCommands.Session)
		var out []string
		for _, cmd := range resp.Data.FSMCommands.Commands {
			out = append(out, cmd.Name)
		}
		return out
	}

	assert.Equal(t, []string{"conf", "start"}, commands(AllTransitions))
	assert.Equal(t, []string{"conf"}, commands(""))
	assert.Equal(t, []string{"start"}, commands("start"))
	assert.Equal(t, []string{"start"}, commands("configured"))
	assert.Empty(t, commands("nowhere"))

	resp := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, rootUser)
	require.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, []string{"start"}, commands(""))

	describe := c.DescribeFSM(ctx, "start", rootUser).Data.FSMCommands.Commands[0]
	var argNames []string
	for _, arg := range describe.Arguments {
		argNames = append(argNames, arg.Name)
	}
	assert.Contains(t, argNames, "run_number")
}

func TestExecuteFSMCommandFansOutInOrder(t *testing.T) {
	kid := &fakeChild{name: "kid"}
	a, b := children.NewDirect("a"), children.NewDirect("b")
	c, sink := newController(t, nil, a, kid, b)
	ctx := context.Background()

	resp := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf", ChildrenNodes: nil}, rootUser)
	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
	assert.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, []string{"a", "kid", "b"}, names(resp.Children))
	for _, child := range resp.Children {
		assert.Equal(t, runcontrol.FSMExecutedSuccessfully, child.FSMFlag(), child.Name)
	}
	assert.Equal(t, "configured", c.Node().OperationalState())
	assert.Equal(t, "configured", c.Node().OperationalSubState())
	assert.False(t, c.Node().InError())

	var types []broadcast.Type
	for _, msg := range sink.Drain() {
		types = append(types, msg.Type)
	}
	assert.Contains(t, types, broadcast.Ack)
	assert.Contains(t, types, broadcast.ChildCommandExecutionStart)
	assert.Contains(t, types, broadcast.ChildCommandExecutionSuccess)
	assert.Contains(t, types, broadcast.CommandExecutionSuccess)
}

func TestExecuteFSMCommandForwardsPreparedData(t *testing.T) {
	kid := &fakeChild{name: "kid"}
	c, _ := newController(t, nil, kid)
	ctx := context.Background()

	require.Equal(t, runcontrol.FSMExecutedSuccessfully,
		c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, rootUser).FSMFlag())

	resp := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "start"}, rootUser)
	assert.Equal(t, runcontrol.FSMFailed, resp.FSMFlag())
	assert.Contains(t, resp.Data.FSMResult.Message, "run_number")
	assert.Equal(t, "configured", c.Node().OperationalState())
	assert.Equal(t, "configured", c.Node().OperationalSubState())

	resp = c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{
		CommandName: "start",
		Arguments:   map[string]any{"run_number": 7},
	}, rootUser)
	require.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, "running", c.Node().OperationalState())

	forwarded := kid.received(runcontrol.CommandExecuteFSM)
	require.Len(t, forwarded, 2)
	start := forwarded[1].(runcontrol.FSMCommand)
	assert.Equal(t, "start", start.CommandName)
	assert.Contains(t, start.Data, `"run":7`)
	assert.Empty(t, start.ChildrenNodes)
}

func TestChildFailureMarksControllerInError(t *testing.T) {
	panicking := &fakeChild{name: "panicking", reply: func(command string, data any) (runcontrol.Response, error) {
		if command == runcontrol.CommandExecuteFSM {
			panic("segfault in the readout")
		}
		return runcontrol.Response{Flag: runcontrol.FlagExecutedSuccessfully}, nil
	}}
	unreachable := &fakeChild{name: "unreachable", reply: func(command string, data any) (runcontrol.Response, error) {
		if command == runcontrol.CommandExecuteFSM {
			return runcontrol.Response{}, runcontrol.NewError(runcontrol.ErrServerUnreachable, "connection refused", nil, nil)
		}
		return runcontrol.Response{Flag: runcontrol.FlagExecutedSuccessfully}, nil
	}}
	c, sink := newController(t, nil, children.NewDirect("healthy"), panicking, unreachable)
	ctx := context.Background()

	resp := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, rootUser)
	assert.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	require.Equal(t, []string{"healthy", "panicking", "unreachable"}, names(resp.Children))

	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Children[0].Flag)
	assert.Equal(t, runcontrol.FlagUnhandledExceptionThrown, resp.Children[1].Flag)
	require.NotNil(t, resp.Children[1].Data.Stacktrace)
	assert.Equal(t, "segfault in the readout", resp.Children[1].Data.Stacktrace.Text[0])
	assert.Equal(t, runcontrol.FlagDomainExceptionThrown, resp.Children[2].Flag)

	status := c.Status(ctx, rootUser)
	require.NotNil(t, status.Data.Status)
	assert.True(t, status.Data.Status.InError)
	assert.Equal(t, "configured", status.Data.Status.State)

	again := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "start"}, rootUser)
	assert.Equal(t, runcontrol.FSMNotExecutedInError, again.FSMFlag())
	assert.Empty(t, again.Children)

	failed := 0
	for _, msg := range sink.Drain() {
		if msg.Type == broadcast.ChildCommandExecutionFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	c.ResolveError()
	assert.False(t, c.Node().InError())
}

func TestExecuteFSMCommandRejections(t *testing.T) {
	c, _ := newController(t, nil, children.NewDirect("a"))
	ctx := context.Background()

	resp := c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, alice)
	assert.Equal(t, runcontrol.FlagNotExecutedNotInControl, resp.Flag)
	assert.Equal(t, "User alice is not in control of root", resp.Text())

	resp = c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "unplug"}, rootUser)
	assert.Equal(t, runcontrol.FSMInvalidTransition, resp.FSMFlag())

	resp = c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "start", Arguments: map[string]any{"run_number": 1}}, rootUser)
	assert.Equal(t, runcontrol.FSMInvalidTransition, resp.FSMFlag())
	assert.Equal(t, "initial", c.Node().OperationalState())

	resp = c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf", ChildrenNodes: []string{"ghost"}}, rootUser)
	assert.Equal(t, runcontrol.FSMFailed, resp.FSMFlag())
	assert.Equal(t, "initial", c.Node().OperationalSubState())

	require.Equal(t, runcontrol.FlagExecutedSuccessfully, c.Exclude(ctx, rootUser).Flag)
	resp = c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, rootUser)
	assert.Equal(t, runcontrol.FSMNotExecutedExcluded, resp.FSMFlag())
}

func TestExecuteFSMCommandTargetsChildrenSubset(t *testing.T) {
	a, b := &fakeChild{name: "a"}, &fakeChild{name: "b"}
	c, _ := newController(t, nil, a, b)

	resp := c.ExecuteFSMCommand(context.Background(),
		runcontrol.FSMCommand{CommandName: "conf", ChildrenNodes: []string{"b"}}, rootUser)
	assert.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, []string{"b"}, names(resp.Children))
	assert.Empty(t, a.received(runcontrol.CommandExecuteFSM))
	assert.Len(t, b.received(runcontrol.CommandExecuteFSM), 1)
}

func TestIncludeExclude(t *testing.T) {
	leaf := children.NewDirect("leaf")
	c, _ := newController(t, nil, leaf)
	ctx := context.Background()

	resp := c.Exclude(ctx, rootUser)
	assert.Equal(t, "root and children excluded", resp.Text())
	require.Len(t, resp.Children, 1)
	assert.Equal(t, "'leaf' excluded", resp.Children[0].Text())
	assert.False(t, c.Node().Included())

	st, err := leaf.GetStatus(ctx, rootUser)
	require.NoError(t, err)
	assert.False(t, st.Data.Status.Included)

	resp = c.Include(ctx, rootUser)
	assert.Equal(t, "root and children included", resp.Text())
	assert.True(t, c.Node().Included())

	assert.Equal(t, runcontrol.FlagNotExecutedNotInControl, c.Exclude(ctx, alice).Flag)
	assert.True(t, c.Node().Included())
}

func TestIncludeExcludeTwiceIsADomainException(t *testing.T) {
	leaf := &fakeChild{name: "leaf"}
	c, _ := newController(t, nil, leaf)
	ctx := context.Background()

	resp := c.Include(ctx, rootUser)
	assert.Equal(t, runcontrol.FlagDomainExceptionThrown, resp.Flag)
	require.NotNil(t, resp.Data.Stacktrace)
	require.NotEmpty(t, resp.Data.Stacktrace.Text)
	assert.Contains(t, resp.Data.Stacktrace.Text[0], "already included")
	assert.Empty(t, leaf.received(runcontrol.CommandInclude))

	require.Equal(t, runcontrol.FlagExecutedSuccessfully, c.Exclude(ctx, rootUser).Flag)
	resp = c.Exclude(ctx, rootUser)
	assert.Equal(t, runcontrol.FlagDomainExceptionThrown, resp.Flag)
	assert.Contains(t, resp.Data.Stacktrace.Text[0], "already excluded")
	assert.Len(t, leaf.received(runcontrol.CommandExclude), 1)
	assert.False(t, c.Node().Included())
}

func TestPrepareFlag(t *testing.T) {
	assert.Equal(t, runcontrol.FSMInvalidTransition,
		prepareFlag(runcontrol.NewError(runcontrol.ErrInvalidTransition, "conf from running", nil, nil)))
	assert.Equal(t, runcontrol.FSMInvalidTransition,
		prepareFlag(runcontrol.NewError(runcontrol.ErrInvalidSubTransition, "busy preparing", nil, nil)))
	assert.Equal(t, runcontrol.FSMFailed,
		prepareFlag(runcontrol.NewError(runcontrol.ErrActionFailed, "run number missing", nil, nil)))
}

func TestTakeAndSurrenderControl(t *testing.T) {
	leaf := &fakeChild{name: "leaf", reply: func(command string, _ any) (runcontrol.Response, error) {
		return runcontrol.Response{Flag: runcontrol.FlagNotExecutedNotImplemented}, nil
	}}
	c, _ := newController(t, nil, leaf)
	ctx := context.Background()

	resp := c.TakeControl(ctx, alice)
	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
	assert.Equal(t, "alice took control", resp.Text())
	assert.Equal(t, "alice", c.WhoIsInCharge(ctx, rootUser).Text())

	assert.Equal(t, runcontrol.FlagNotExecutedNotInControl, c.SurrenderControl(ctx, rootUser).Flag)
	assert.Equal(t, runcontrol.FlagNotExecutedNotInControl,
		c.ExecuteFSMCommand(ctx, runcontrol.FSMCommand{CommandName: "conf"}, rootUser).Flag)

	resp = c.SurrenderControl(ctx, alice)
	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
	assert.Equal(t, "alice surrendered control", resp.Text())
	assert.Equal(t, "", c.WhoIsInCharge(ctx, alice).Text())
	assert.Len(t, leaf.received(runcontrol.CommandSurrenderControl), 1)
}

func TestTakeControlReportsFailingChildren(t *testing.T) {
	stubborn := &fakeChild{name: "stubborn", reply: func(command string, _ any) (runcontrol.Response, error) {
		return runcontrol.Response{Flag: runcontrol.FlagNotExecutedNotInControl}, nil
	}}
	c, _ := newController(t, nil, children.NewDirect("ok"), stubborn)

	resp := c.TakeControl(context.Background(), alice)
	assert.Equal(t, runcontrol.FlagFailed, resp.Flag)
	assert.Equal(t, "Could not take control on all children", resp.Text())
	assert.Equal(t, "alice", c.WhoIsInCharge(context.Background(), alice).Text())
}

func TestDescribeAndStatus(t *testing.T) {
	c, sink := newController(t, nil, children.NewDirect("leaf"))
	ctx := context.Background()

	resp := c.Describe(ctx, alice)
	require.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
	desc := resp.Data.Description
	require.NotNil(t, desc)
	assert.Equal(t, "controller", desc.Type)
	assert.Equal(t, "np04", desc.Info)
	assert.Equal(t, "run-1", desc.Session)
	assert.Equal(t, "rpc://localhost:3333", desc.Endpoint)
	assert.Len(t, desc.Commands, len(Commands()))
	require.NotNil(t, desc.Broadcast)
	require.Len(t, resp.Children, 1)
	assert.Equal(t, "direct", resp.Children[0].Data.Description.Type)

	status := c.Status(ctx, alice)
	assert.Equal(t, runcontrol.Status{Name: "root", State: "initial", SubState: "initial", Included: true}, *status.Data.Status)
	assert.Equal(t, "initial", status.Children[0].Data.Status.State)

	var acks []string
	for _, msg := range sink.Drain() {
		if msg.Type == broadcast.Ack {
			acks = append(acks, msg.Text)
		}
	}
	assert.Contains(t, acks, "User 'alice' attempting to execute 'describe'")
}

func TestUnauthorisedCommand(t *testing.T) {
	deny := authoriser.Func(func(_ runcontrol.Token, action authoriser.Action, _ authoriser.System, _ string) bool {
		return action == authoriser.ActionRead
	})
	c, _ := newController(t, []Option{WithAuthoriser(deny)})

	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, c.Status(context.Background(), rootUser).Flag)
	resp := c.Include(context.Background(), rootUser)
	assert.Equal(t, runcontrol.FlagNotExecutedNotAuthorised, resp.Flag)
}

func TestCommandsRecordMetrics(t *testing.T) {
	collectors := metrics.New("root")
	c, _ := newController(t, []Option{WithMetrics(collectors)})

	c.ExecuteFSMCommand(context.Background(), runcontrol.FSMCommand{CommandName: "conf"}, rootUser)
	families, err := collectors.Registry().Gather()
	require.NoError(t, err)
	var found []string
	for _, f := range families {
		found = append(found, f.GetName())
	}
	assert.Contains(t, found, "runcontrol_commands_total")
	assert.Contains(t, found, "runcontrol_fsm_transitions_total")
}

func TestTerminateRunsOnce(t *testing.T) {
	kid := &fakeChild{name: "kid"}
	c, sink := newController(t, nil, kid)

	c.Terminate(context.Background())
	c.Terminate(context.Background())
	assert.Equal(t, int32(1), kid.terminated.Load())

	shutdowns := 0
	for _, msg := range sink.Drain() {
		if msg.Type == broadcast.ServerShutdown {
			shutdowns++
			assert.Equal(t, "over_and_out", msg.Text)
		}
	}
	assert.Equal(t, 1, shutdowns)
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	cfg := rootConfig(t)
	cfg.Session = ""
	_, err := New(context.Background(), cfg)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeInvalidConfiguration))

	cfg = rootConfig(t)
	cfg.FSM.PreTransitions = map[string][]fsm.CallbackConfig{"conf": {{Action: "nope"}}}
	_, err = New(context.Background(), cfg)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeUnknownAction), "%v", err)
}
