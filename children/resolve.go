package children

import (
	"context"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/connectivity"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/logging"
)

// DefaultLookupTimeout is the per level budget of a connectivity lookup.
const DefaultLookupTimeout = 60 * time.Second

// ResolveOption configures Resolve and ResolveAll.
type ResolveOption func(*resolver)

type resolver struct {
	directory   *connectivity.Client
	token       runcontrol.Token
	baseTimeout time.Duration
	depth       int
	logger      logging.Logger
	rpcOpts     []RPCOption
	restOpts    []RESTOption
}

// WithConnectivity makes the connectivity service the first place a child
// address is looked up.
func WithConnectivity(client *connectivity.Client) ResolveOption {
	return func(r *resolver) {
		r.directory = client
	}
}

// WithToken is the identity used for the describe handshake.
func WithToken(token runcontrol.Token) ResolveOption {
	return func(r *resolver) {
		r.token = token
	}
}

// WithLookupTimeout sets the lookup budget to base times depth, depth
// being the number of controller levels below this one.
func WithLookupTimeout(base time.Duration, depth int) ResolveOption {
	return func(r *resolver) {
		if base > 0 {
			r.baseTimeout = base
		}
		if depth > 0 {
			r.depth = depth
		}
	}
}

func WithResolveLogger(logger logging.Logger) ResolveOption {
	return func(r *resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRPCOptions(opts ...RPCOption) ResolveOption {
	return func(r *resolver) {
		r.rpcOpts = append(r.rpcOpts, opts...)
	}
}

func WithRESTOptions(opts ...RESTOption) ResolveOption {
	return func(r *resolver) {
		r.restOpts = append(r.restOpts, opts...)
	}
}

func newResolver(opts []ResolveOption) *resolver {
	r := &resolver{
		baseTimeout: DefaultLookupTimeout,
		depth:       1,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// LookupTimeout is the budget of a single connectivity lookup.
func (r *resolver) LookupTimeout() time.Duration {
	return r.baseTimeout * time.Duration(r.depth)
}

// Resolve builds the node for one child. The connectivity service is asked
// first, the static URI is the fallback. A child whose address cannot be
// understood becomes a Direct node in error; a remote that never answers
// the handshake is a setup error.
func Resolve(ctx context.Context, cfg Config, opts ...ResolveOption) (Node, error) {
	return newResolver(opts).resolve(ctx, cfg)
}

// ResolveAll resolves every child concurrently. Nodes keep configuration
// order. The first setup error terminates whatever was already resolved.
func ResolveAll(ctx context.Context, cfgs []Config, opts ...ResolveOption) ([]Node, error) {
	r := newResolver(opts)
	nodes := make([]Node, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			node, err := r.resolve(gctx, cfg)
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, node := range nodes {
			if node != nil {
				node.Terminate()
			}
		}
		return nil, err
	}
	return nodes, nil
}

func (r *resolver) resolve(ctx context.Context, cfg Config) (Node, error) {
	logger := logging.WithFields(r.logger, map[string]any{"child": cfg.Name})

	var machine *fsm.FSM
	if cfg.FSM != nil {
		m, err := cfg.FSM.Build()
		if err != nil {
			return nil, err
		}
		machine = m
	}

	uri := r.lookup(ctx, cfg.Name, logger)
	if uri == "" {
		uri = cfg.URI
	}

	typ, address, err := ParseURI(uri)
	if err != nil {
		logger.Error("could not understand how to talk to '%s': %v", cfg.Name, err)
		d := NewDirect(cfg.Name, WithMachine(machine), WithDirectLogger(logger))
		d.ToError()
		return d, nil
	}

	switch typ {
	case TypeRPCController:
		opts := append([]RPCOption{WithRPCLogger(logger)}, r.rpcOpts...)
		return NewRPCController(ctx, cfg.Name, address, r.token, opts...)
	case TypeRESTApplication:
		opts := append([]RESTOption{WithRESTLogger(logger)}, r.restOpts...)
		return NewRESTApplication(cfg.Name, address, opts...), nil
	default:
		return NewDirect(cfg.Name, WithMachine(machine), WithDirectLogger(logger)), nil
	}
}

// lookup returns an empty uri when the service is not configured or does
// not know the child.
func (r *resolver) lookup(ctx context.Context, name string, logger logging.Logger) string {
	if r.directory == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, r.LookupTimeout())
	defer cancel()

	uid := regexp.QuoteMeta(connectivity.ControlUID(name)) + "$"
	uri, err := r.directory.ResolveOne(ctx, uid, connectivity.RunControlDataType)
	if err != nil {
		logger.Warn("could not find '%s' on the connectivity service, using the configured address: %v", name, err)
		return ""
	}
	return uri
}
