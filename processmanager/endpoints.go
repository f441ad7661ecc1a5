package processmanager

import (
	"context"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/rpc"
)

func endpoint[Req any](method string, kind rpc.MethodKind, summary string, fn func(context.Context, Req, runcontrol.Token) runcontrol.Response) rpc.EndpointDefinition {
	return rpc.NewEndpoint[Req, runcontrol.Response](
		rpc.EndpointSpec{Method: method, Kind: kind, Idempotent: kind == rpc.MethodKindQuery, Summary: summary, Tags: []string{"process_manager"}},
		func(ctx context.Context, req rpc.RequestEnvelope[Req]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
			return rpc.ResponseEnvelope[runcontrol.Response]{Data: fn(ctx, req.Data, req.Meta.RunControlToken())}, nil
		},
	)
}

// RPCEndpoints exposes the command surface. The logs stream is collected
// into one response carrying every line.
func (m *Manager) RPCEndpoints() []rpc.EndpointDefinition {
	return []rpc.EndpointDefinition{
		endpoint(runcontrol.CommandBoot, rpc.MethodKindCommand, "start a process", m.Boot),
		endpoint(runcontrol.CommandKill, rpc.MethodKindCommand, "kill matching processes", m.Kill),
		endpoint(runcontrol.CommandRestart, rpc.MethodKindCommand, "restart one process", m.Restart),
		endpoint(runcontrol.CommandPs, rpc.MethodKindQuery, "status of matching processes", m.Ps),
		endpoint(runcontrol.CommandFlush, rpc.MethodKindCommand, "remove dead processes", m.Flush),
		endpoint(runcontrol.CommandLogs, rpc.MethodKindQuery, "tail the log of one process", m.collectLogs),
		endpoint(runcontrol.CommandTerminate, rpc.MethodKindCommand, "kill every process",
			func(ctx context.Context, _ struct{}, token runcontrol.Token) runcontrol.Response { return m.Terminate(ctx, token) }),
		endpoint(runcontrol.CommandDescribe, rpc.MethodKindQuery, "describe the process manager",
			func(ctx context.Context, _ struct{}, token runcontrol.Token) runcontrol.Response { return m.Describe(ctx, token) }),
	}
}

func (m *Manager) collectLogs(ctx context.Context, req runcontrol.LogRequest, token runcontrol.Token) runcontrol.Response {
	var (
		out   runcontrol.Response
		lines []runcontrol.LogLine
	)
	for resp := range m.Logs(ctx, req, token) {
		out = resp
		lines = append(lines, resp.Data.LogLines...)
	}
	if len(lines) > 0 {
		out.Data = runcontrol.Payload{LogLines: lines}
	}
	return out
}
