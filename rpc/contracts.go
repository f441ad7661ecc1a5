package rpc

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// RequestMeta travels with every call. ActorID and Token carry the run
// control identity of the caller.
type RequestMeta struct {
	ActorID   string `json:"actorId,omitempty"`
	Token     string `json:"token,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type RequestEnvelope[T any] struct {
	Data T           `json:"data"`
	Meta RequestMeta `json:"meta,omitempty"`
}

// Error is a transport level failure. Command outcomes travel in the
// response data, never here.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ResponseEnvelope[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

type MethodKind string

const (
	HandlerKindExecute = "execute"
	HandlerKindQuery   = "query"

	MethodKindCommand MethodKind = HandlerKindExecute
	MethodKindQuery   MethodKind = HandlerKindQuery
)

// EndpointSpec is the metadata of one method. Timeout is enforced by
// TimeoutMiddleware.
type EndpointSpec struct {
	Method     string
	Kind       MethodKind
	Timeout    time.Duration
	Idempotent bool
	Summary    string
	Tags       []string
}

// EndpointDefinition binds a spec to a typed handler. Build it with
// NewEndpoint.
type EndpointDefinition struct {
	spec     EndpointSpec
	request  string
	response string
	newReq   func() any
	invoke   func(context.Context, any) (any, error)
}

// EndpointsProvider is implemented by nodes that serve RPC methods.
type EndpointsProvider interface {
	RPCEndpoints() []EndpointDefinition
}

func (d EndpointDefinition) Spec() EndpointSpec { return d.spec }

// NewEndpoint wraps handler so that it receives a decoded
// RequestEnvelope[Req].
func NewEndpoint[Req any, Res any](
	spec EndpointSpec,
	handler func(context.Context, RequestEnvelope[Req]) (ResponseEnvelope[Res], error),
) EndpointDefinition {
	return EndpointDefinition{
		spec:     spec,
		request:  reflect.TypeFor[Req]().String(),
		response: reflect.TypeFor[Res]().String(),
		newReq:   func() any { return new(RequestEnvelope[Req]) },
		invoke: func(ctx context.Context, payload any) (any, error) {
			switch req := payload.(type) {
			case *RequestEnvelope[Req]:
				if req == nil {
					return handler(ctx, RequestEnvelope[Req]{})
				}
				return handler(ctx, *req)
			case RequestEnvelope[Req]:
				return handler(ctx, req)
			case nil:
				return handler(ctx, RequestEnvelope[Req]{})
			}
			return nil, fmt.Errorf("invalid payload type for %q: expected %s got %T",
				spec.Method, reflect.TypeFor[RequestEnvelope[Req]](), payload)
		},
	}
}
