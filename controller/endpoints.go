package controller

import (
	"context"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/rpc"
)

type (
	plainCommand func(context.Context, runcontrol.Token) runcontrol.Response
	empty        = struct{}
)

func endpoint(method string, kind rpc.MethodKind, summary string, fn plainCommand) rpc.EndpointDefinition {
	return rpc.NewEndpoint[empty, runcontrol.Response](
		rpc.EndpointSpec{Method: method, Kind: kind, Idempotent: kind == rpc.MethodKindQuery, Summary: summary, Tags: []string{"controller"}},
		func(ctx context.Context, req rpc.RequestEnvelope[empty]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
			return rpc.ResponseEnvelope[runcontrol.Response]{Data: fn(ctx, req.Meta.RunControlToken())}, nil
		},
	)
}

// RPCEndpoints exposes the command surface. Every reply is a Response; the
// envelope error is left to transport failures.
func (c *Controller) RPCEndpoints() []rpc.EndpointDefinition {
	return []rpc.EndpointDefinition{
		endpoint(runcontrol.CommandDescribe, rpc.MethodKindQuery, "describe the controller and its children", c.Describe),
		endpoint(runcontrol.CommandStatus, rpc.MethodKindQuery, "status of the controller and its children", c.Status),
		rpc.NewEndpoint[string, runcontrol.Response](
			rpc.EndpointSpec{Method: runcontrol.CommandDescribeFSM, Kind: rpc.MethodKindQuery, Idempotent: true, Summary: "describe FSM transitions", Tags: []string{"controller"}},
			func(ctx context.Context, req rpc.RequestEnvelope[string]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
				return rpc.ResponseEnvelope[runcontrol.Response]{Data: c.DescribeFSM(ctx, req.Data, req.Meta.RunControlToken())}, nil
			},
		),
		rpc.NewEndpoint[runcontrol.FSMCommand, runcontrol.Response](
			rpc.EndpointSpec{Method: runcontrol.CommandExecuteFSM, Kind: rpc.MethodKindCommand, Summary: "execute a transition", Tags: []string{"controller"}},
			func(ctx context.Context, req rpc.RequestEnvelope[runcontrol.FSMCommand]) (rpc.ResponseEnvelope[runcontrol.Response], error) {
				return rpc.ResponseEnvelope[runcontrol.Response]{Data: c.ExecuteFSMCommand(ctx, req.Data, req.Meta.RunControlToken())}, nil
			},
		),
		endpoint(runcontrol.CommandInclude, rpc.MethodKindCommand, "include the subtree", c.Include),
		endpoint(runcontrol.CommandExclude, rpc.MethodKindCommand, "exclude the subtree", c.Exclude),
		endpoint(runcontrol.CommandTakeControl, rpc.MethodKindCommand, "take control of the subtree", c.TakeControl),
		endpoint(runcontrol.CommandSurrenderControl, rpc.MethodKindCommand, "surrender control of the subtree", c.SurrenderControl),
		endpoint(runcontrol.CommandWhoIsInCharge, rpc.MethodKindQuery, "user in control", c.WhoIsInCharge),
	}
}
