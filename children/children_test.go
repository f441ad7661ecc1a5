package children

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/connectivity"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/rpc"
)

var operator = runcontrol.Token{Token: "tk", UserName: "ops"}

const leafFSM = `
initial_state: initial
states: [initial, configured]
transitions:
  - name: conf
    source: initial
    destination: configured
`

func leafConfig(t *testing.T) *fsm.Config {
	t.Helper()
	cfg, err := fsm.ParseConfig([]byte(leafFSM))
	require.NoError(t, err)
	return &cfg
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		typ     Type
		address string
		wantErr bool
	}{
		{uri: "grpc://np04:3333", typ: TypeRPCController, address: "np04:3333"},
		{uri: "rpc://localhost:80/", typ: TypeRPCController, address: "localhost:80"},
		{uri: "rest://10.0.0.1:5000/api", typ: TypeRESTApplication, address: "10.0.0.1:5000"},
		{uri: "direct://", typ: TypeDirect},
		{uri: "", wantErr: true},
		{uri: "kafka://broker:9092", wantErr: true},
		{uri: "grpc://no-port", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			typ, address, err := ParseURI(tt.uri)
			if tt.wantErr {
				assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeUnknownControlType))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.address, address)
		})
	}
}

func TestDirectIncludeExclude(t *testing.T) {
	d := NewDirect("leaf")
	ctx := context.Background()

	resp, err := d.PropagateCommand(ctx, runcontrol.CommandExclude, nil, operator)
	require.NoError(t, err)
	assert.Equal(t, "'leaf' excluded", resp.Text())

	resp, err = d.PropagateCommand(ctx, runcontrol.CommandExecuteFSM, runcontrol.FSMCommand{CommandName: "conf"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FlagExecutedSuccessfully, resp.Flag)
	assert.Equal(t, runcontrol.FSMNotExecutedExcluded, resp.FSMFlag())

	resp, err = d.PropagateCommand(ctx, runcontrol.CommandInclude, nil, operator)
	require.NoError(t, err)
	assert.Equal(t, "'leaf' included", resp.Text())
}

func TestDirectFollowsMachine(t *testing.T) {
	machine, err := leafConfig(t).Build()
	require.NoError(t, err)
	d := NewDirect("leaf", WithMachine(machine))
	ctx := context.Background()

	resp, err := d.PropagateCommand(ctx, runcontrol.CommandExecuteFSM, &runcontrol.FSMCommand{CommandName: "conf"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, "successful", resp.Data.FSMResult.Message)

	st, err := d.GetStatus(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, "configured", st.Data.Status.State)
	assert.Equal(t, "idle", st.Data.Status.SubState)

	resp, err = d.PropagateCommand(ctx, runcontrol.CommandExecuteFSM, runcontrol.FSMCommand{CommandName: "conf"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FSMInvalidTransition, resp.FSMFlag())
}

func TestDirectInError(t *testing.T) {
	d := NewDirect("leaf")
	d.ToError()

	resp, err := d.PropagateCommand(context.Background(), runcontrol.CommandExecuteFSM, runcontrol.FSMCommand{CommandName: "conf"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FSMNotExecutedInError, resp.FSMFlag())

	st, _ := d.GetStatus(context.Background(), operator)
	assert.True(t, st.Data.Status.InError)
}

func TestDirectIgnoresUnknownCommand(t *testing.T) {
	resp, err := NewDirect("leaf").PropagateCommand(context.Background(), runcontrol.CommandBoot, nil, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FlagNotExecutedNotImplemented, resp.Flag)
}

// fakeController serves describe and status like a nested controller.
func fakeController(t *testing.T, describe func() error) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := rpc.NewServer()
	handler := func(method string, fail func() error) rpc.EndpointDefinition {
		return rpc.NewEndpoint[struct{}, runcontrol.Response](rpc.EndpointSpec{Method: method},
			func(_ context.Context, req rpc.RequestEnvelope[struct{}]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
				calls.Add(1)
				if fail != nil {
					if err := fail(); err != nil {
						return rpc.ResponseEnvelope[runcontrol.Response]{}, err
					}
				}
				return rpc.ResponseEnvelope[runcontrol.Response]{Data: runcontrol.PlainTextResponse(
					"nested", req.Meta.RunControlToken(), runcontrol.FlagExecutedSuccessfully, method)}, nil
			})
	}
	require.NoError(t, server.RegisterEndpoints(
		handler(runcontrol.CommandDescribe, describe),
		handler(runcontrol.CommandStatus, nil),
	))
	srv := httptest.NewServer(rpc.NewHTTPHandler(server))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRPCControllerRebuildsRemoteDomainErrors(t *testing.T) {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterEndpoints(
		rpc.NewEndpoint[struct{}, runcontrol.Response](rpc.EndpointSpec{Method: runcontrol.CommandDescribe},
			func(context.Context, rpc.RequestEnvelope[struct{}]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
				return rpc.ResponseEnvelope[runcontrol.Response]{}, nil
			}),
		rpc.NewEndpoint[struct{}, runcontrol.Response](rpc.EndpointSpec{Method: runcontrol.CommandStatus},
			func(context.Context, rpc.RequestEnvelope[struct{}]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
				return rpc.ResponseEnvelope[runcontrol.Response]{}, runcontrol.NewError(runcontrol.ErrCannotExclude,
					"nested is already excluded", nil, map[string]any{"node": "nested"})
			}),
	))
	srv := httptest.NewServer(rpc.NewHTTPHandler(server))
	t.Cleanup(srv.Close)

	c, err := NewRPCController(context.Background(), "nested", strings.TrimPrefix(srv.URL, "http://"), operator)
	require.NoError(t, err)
	defer c.Terminate()

	_, err = c.GetStatus(context.Background(), operator)
	require.Error(t, err)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeCannotExclude))
	assert.Equal(t, "nested is already excluded", runcontrol.ErrorMessage(err))
	assert.Equal(t, map[string]any{"node": "nested"}, runcontrol.ErrorMetadata(err))
}

func TestRPCControllerForwards(t *testing.T) {
	srv, _ := fakeController(t, nil)

	c, err := NewRPCController(context.Background(), "nested", strings.TrimPrefix(srv.URL, "http://"), operator)
	require.NoError(t, err)
	defer c.Terminate()

	resp, err := c.GetStatus(context.Background(), operator)
	require.NoError(t, err)
	assert.Equal(t, "status", resp.Text())
	assert.Equal(t, operator, resp.Token)

	c.Terminate()
	c.Terminate()
}

func TestRPCControllerHandshakeGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	var sleeps []time.Duration
	_, err := NewRPCController(context.Background(), "nested", address, operator,
		WithHandshakeSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}))
	require.Error(t, err)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeChildSetupFailed))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, sleeps)
}

func TestRPCControllerHandshakeStopsOnOtherErrors(t *testing.T) {
	srv, calls := fakeController(t, func() error {
		return runcontrol.NewError(runcontrol.ErrInvalidConfiguration, "broken", nil, nil)
	})

	_, err := NewRPCController(context.Background(), "nested", strings.TrimPrefix(srv.URL, "http://"), operator,
		WithHandshakeSleep(noSleep))
	require.Error(t, err)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeChildSetupFailed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRPCControllerHandshakeRecovers(t *testing.T) {
	var attempts atomic.Int32
	srv, _ := fakeController(t, func() error {
		if attempts.Add(1) < 3 {
			return runcontrol.NewError(runcontrol.ErrServerUnreachable, "starting", nil, nil)
		}
		return nil
	})

	c, err := NewRPCController(context.Background(), "nested", strings.TrimPrefix(srv.URL, "http://"), operator,
		WithHandshakeSleep(noSleep))
	require.NoError(t, err)
	c.Terminate()
	assert.Equal(t, int32(3), attempts.Load())
}

func fakeLeaf(t *testing.T, success bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(RESTCommandPath, func(w http.ResponseWriter, r *http.Request) {
		var cmd RESTCommand
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		_ = json.NewEncoder(w).Encode(RESTReply{Success: success, Message: "ran " + cmd.Command})
	})
	mux.HandleFunc(RESTStatusPath, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(RESTStatus{State: "running"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRESTApplication(t *testing.T) {
	srv := fakeLeaf(t, true)
	app := NewRESTApplication("leaf", strings.TrimPrefix(srv.URL, "http://"))
	defer app.Terminate()
	ctx := context.Background()

	resp, err := app.PropagateCommand(ctx, runcontrol.CommandExecuteFSM, runcontrol.FSMCommand{CommandName: "start"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FSMExecutedSuccessfully, resp.FSMFlag())
	assert.Equal(t, "ran start", resp.Data.FSMResult.Message)

	resp, err = app.PropagateCommand(ctx, runcontrol.CommandStatus, nil, operator)
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Data.Status.SubState)

	resp, err = app.PropagateCommand(ctx, runcontrol.CommandExclude, nil, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FlagNotExecutedNotImplemented, resp.Flag)
}

func TestRESTApplicationFailureAndUnreachable(t *testing.T) {
	srv := fakeLeaf(t, false)
	app := NewRESTApplication("leaf", strings.TrimPrefix(srv.URL, "http://"))
	resp, err := app.PropagateCommand(context.Background(), runcontrol.CommandExecuteFSM, runcontrol.FSMCommand{CommandName: "start"}, operator)
	require.NoError(t, err)
	assert.Equal(t, runcontrol.FSMFailed, resp.FSMFlag())

	srv.Close()
	_, err = app.GetStatus(context.Background(), operator)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeServerUnreachable))
}

func directoryClient(t *testing.T, publish map[string]string) *connectivity.Client {
	t.Helper()
	dir := connectivity.NewDirectory(nil)
	for uid, uri := range publish {
		dir.Publish(connectivity.PublishRequest{Partition: "s", Connections: []connectivity.Connection{{
			UID: uid, URI: uri, DataType: connectivity.RunControlDataType,
		}}})
	}
	srv := httptest.NewServer(dir.Handler())
	t.Cleanup(srv.Close)
	return connectivity.NewClient("s", srv.URL,
		connectivity.WithAttempts(2),
		connectivity.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
}

func TestResolvePrefersConnectivity(t *testing.T) {
	leaf := fakeLeaf(t, true)
	client := directoryClient(t, map[string]string{
		"leaf_control": "rest://" + strings.TrimPrefix(leaf.URL, "http://"),
	})

	node, err := Resolve(context.Background(), Config{Name: "leaf", URI: "grpc://unused:1"}, WithConnectivity(client))
	require.NoError(t, err)
	assert.Equal(t, TypeRESTApplication, node.Type())
}

func TestResolveFallsBackToStaticURI(t *testing.T) {
	client := directoryClient(t, nil)

	node, err := Resolve(context.Background(), Config{Name: "leaf", URI: "direct://", FSM: leafConfig(t)},
		WithConnectivity(client))
	require.NoError(t, err)
	assert.Equal(t, TypeDirect, node.Type())
	assert.False(t, node.(*Direct).InError())
}

func TestResolveUnknownBecomesDirectInError(t *testing.T) {
	node, err := Resolve(context.Background(), Config{Name: "ghost"})
	require.NoError(t, err)
	d, ok := node.(*Direct)
	require.True(t, ok)
	assert.True(t, d.InError())
}

func TestResolveAllKeepsOrder(t *testing.T) {
	srv, _ := fakeController(t, nil)
	nodes, err := ResolveAll(context.Background(), []Config{
		{Name: "a", URI: "direct://"},
		{Name: "b", URI: "rpc://" + strings.TrimPrefix(srv.URL, "http://")},
		{Name: "c"},
	}, WithToken(operator))
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{nodes[0].Name(), nodes[1].Name(), nodes[2].Name()})
	assert.Equal(t, TypeRPCController, nodes[1].Type())
}

func TestResolveAllFailsOnSetupError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := ResolveAll(context.Background(), []Config{
		{Name: "a", URI: "direct://"},
		{Name: "b", URI: "rpc://" + address},
	}, WithRPCOptions(WithHandshakeSleep(noSleep)))
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeChildSetupFailed))
}

func TestLookupTimeoutScalesWithDepth(t *testing.T) {
	r := newResolver([]ResolveOption{WithLookupTimeout(0, 3)})
	assert.Equal(t, 3*DefaultLookupTimeout, r.LookupTimeout())
}
