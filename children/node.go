// Package children holds the handles a controller uses to drive the nodes
// below it: nested controllers, leaf applications and local emulations.
package children

import (
	"context"
	"net"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
)

// Type identifies how a child is controlled.
type Type string

const (
	TypeRPCController   Type = "rpc_controller"
	TypeRESTApplication Type = "rest_api"
	TypeDirect          Type = "direct"
	TypeUnknown         Type = "unknown"
)

// Node is the uniform command contract of a child.
type Node interface {
	Name() string
	Type() Type
	Endpoint() string
	PropagateCommand(ctx context.Context, command string, data any, token runcontrol.Token) (runcontrol.Response, error)
	GetStatus(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error)
	Describe(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error)
	// Terminate releases the channel to the child. Calling it twice is a
	// no-op.
	Terminate()
}

// Config describes one configured child.
type Config struct {
	Name string `yaml:"name" json:"name"`
	// URI is the static fallback endpoint: rpc://host:port,
	// grpc://host:port, rest://host:port or direct://.
	URI string `yaml:"uri,omitempty" json:"uri,omitempty"`
	// FSM drives the local emulation of a direct child.
	FSM *fsm.Config `yaml:"fsm,omitempty" json:"fsm,omitempty"`
}

// ParseURI splits a control URI into its control type and host:port.
func ParseURI(uri string) (Type, string, error) {
	uri = strings.TrimSpace(uri)
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return TypeUnknown, "", unknownControl(uri, "missing scheme")
	}

	var typ Type
	switch strings.ToLower(scheme) {
	case "grpc", "rpc":
		typ = TypeRPCController
	case "rest", "http":
		typ = TypeRESTApplication
	case "direct":
		return TypeDirect, "", nil
	default:
		return TypeUnknown, "", unknownControl(uri, "unsupported scheme "+scheme)
	}

	address, _, _ := strings.Cut(rest, "/")
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" || port == "" {
		return TypeUnknown, "", unknownControl(uri, "expected host:port")
	}
	return typ, net.JoinHostPort(host, port), nil
}

func unknownControl(uri, reason string) error {
	return runcontrol.NewError(runcontrol.ErrUnknownControlType,
		"could not understand control address "+quoteOrEmpty(uri)+": "+reason, nil,
		map[string]any{"uri": uri})
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "<empty>"
	}
	return "'" + s + "'"
}

func notImplemented(name string, token runcontrol.Token) runcontrol.Response {
	return runcontrol.Response{Name: name, Token: token, Flag: runcontrol.FlagNotExecutedNotImplemented}
}

func statusResponse(token runcontrol.Token, status runcontrol.Status) runcontrol.Response {
	return runcontrol.Response{
		Name:  status.Name,
		Token: token,
		Flag:  runcontrol.FlagExecutedSuccessfully,
		Data:  runcontrol.Payload{Status: &status},
	}
}

func commandName(data any) string {
	switch v := data.(type) {
	case runcontrol.FSMCommand:
		return v.CommandName
	case *runcontrol.FSMCommand:
		if v != nil {
			return v.CommandName
		}
	}
	return ""
}
