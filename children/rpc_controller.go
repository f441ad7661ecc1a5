package children

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
	"github.com/goliatone/go-runcontrol/rpc"
	"github.com/goliatone/go-runcontrol/runner"
)

const (
	DefaultHandshakeAttempts = 5
	DefaultHandshakeDelay    = 2 * time.Second
)

// RPCController forwards commands to a nested controller and returns its
// response tree unmodified.
type RPCController struct {
	name    string
	address string
	client  *rpc.Client
	logger  logging.Logger
	once    sync.Once
}

// RPCOption configures the handshake of an RPCController.
type RPCOption func(*rpcSettings)

type rpcSettings struct {
	attempts   int
	delay      time.Duration
	sleep      func(context.Context, time.Duration) error
	logger     logging.Logger
	clientOpts []rpc.ClientOption
}

func WithHandshake(attempts int, delay time.Duration) RPCOption {
	return func(s *rpcSettings) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay >= 0 {
			s.delay = delay
		}
	}
}

// WithHandshakeSleep replaces the wait between describe attempts.
func WithHandshakeSleep(sleep func(context.Context, time.Duration) error) RPCOption {
	return func(s *rpcSettings) {
		s.sleep = sleep
	}
}

func WithRPCLogger(logger logging.Logger) RPCOption {
	return func(s *rpcSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRPCClientOptions(opts ...rpc.ClientOption) RPCOption {
	return func(s *rpcSettings) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// NewRPCController connects to address and waits for the remote to answer
// describe. Only ServerUnreachable is retried; any other failure aborts
// setup immediately.
func NewRPCController(ctx context.Context, name, address string, token runcontrol.Token, opts ...RPCOption) (*RPCController, error) {
	settings := rpcSettings{
		attempts: DefaultHandshakeAttempts,
		delay:    DefaultHandshakeDelay,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	c := &RPCController{
		name:    name,
		address: address,
		client:  rpc.NewClient(address, settings.clientOpts...),
		logger:  settings.logger,
	}

	handshake := runner.New(
		runner.Attempts(settings.attempts),
		runner.Constant(settings.delay),
		runner.RetryOn(func(err error) bool {
			return runcontrol.HasCode(err, runcontrol.ErrCodeServerUnreachable)
		}),
		runner.WithSleep(settings.sleep),
		runner.WithLogger(settings.logger),
		runner.OnRetry(func(err error, attempt int, _ time.Duration) {
			settings.logger.Debug("%s is not answering describe yet (attempt %d): %v", name, attempt, err)
		}),
	)
	err := handshake.Run(ctx, func(ctx context.Context) error {
		_, err := c.Describe(ctx, token)
		return err
	})
	if err != nil {
		c.Terminate()
		return nil, runcontrol.NewError(runcontrol.ErrChildSetupFailed,
			fmt.Sprintf("could not connect to %s at %s: %s", name, address, runcontrol.ErrorMessage(err)), err,
			map[string]any{"child": name, "address": address})
	}
	return c, nil
}

func (c *RPCController) Name() string     { return c.name }
func (c *RPCController) Type() Type       { return TypeRPCController }
func (c *RPCController) Endpoint() string { return c.address }

func (c *RPCController) Terminate() {
	c.once.Do(c.client.Close)
}

func (c *RPCController) PropagateCommand(ctx context.Context, command string, data any, token runcontrol.Token) (runcontrol.Response, error) {
	var resp runcontrol.Response
	if err := c.client.Call(ctx, command, data, rpc.MetaFromToken(token), &resp); err != nil {
		return runcontrol.Response{}, remoteError(err)
	}
	return resp, nil
}

func (c *RPCController) GetStatus(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return c.PropagateCommand(ctx, runcontrol.CommandStatus, nil, token)
}

func (c *RPCController) Describe(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return c.PropagateCommand(ctx, runcontrol.CommandDescribe, nil, token)
}

// remoteError turns a wire error carrying a domain code back into the
// domain error.
func remoteError(err error) error {
	var wire *rpc.Error
	if !errors.As(err, &wire) {
		return err
	}
	if domain := runcontrol.ErrorFromCode(wire.Code, wire.Message, wire.Details); domain != nil {
		return domain
	}
	return err
}
