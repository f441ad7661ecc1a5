// Package controller implements a node of the control tree: it owns an FSM,
// its children and the arbitration of who is in control.
package controller

import (
	"context"
	"sync"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/actor"
	"github.com/goliatone/go-runcontrol/authoriser"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/children"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/connectivity"
	"github.com/goliatone/go-runcontrol/fsm/actions"
	"github.com/goliatone/go-runcontrol/logging"
	"github.com/goliatone/go-runcontrol/metrics"
	"github.com/goliatone/go-runcontrol/stateful"
)

// Controller is safe for concurrent use. The actor and the stateful node
// guard themselves and are never locked together.
type Controller struct {
	name     string
	session  string
	detector string
	uri      string

	node       *stateful.Node
	actor      *actor.Actor
	children   []children.Node
	sender     *broadcast.Sender
	authoriser authoriser.Authoriser
	metrics    *metrics.Collectors
	logger     logging.Logger
	advertiser *connectivity.Advertiser

	terminate sync.Once
}

// Option configures New.
type Option func(*options)

type options struct {
	logger       logging.Logger
	sink         broadcast.Sink
	authoriser   authoriser.Authoriser
	metrics      *metrics.Collectors
	registry     *actions.Registry
	children     []children.Node
	resolveOpts  []children.ResolveOption
	connectivity *connectivity.Client
}

func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSink replaces the default log sink of the broadcaster.
func WithSink(sink broadcast.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

func WithAuthoriser(a authoriser.Authoriser) Option {
	return func(o *options) {
		if a != nil {
			o.authoriser = a
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithActions supplies the registry transition callbacks are built from.
func WithActions(r *actions.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithChildren skips resolution and uses nodes as the children, in order.
func WithChildren(nodes ...children.Node) Option {
	return func(o *options) {
		o.children = nodes
	}
}

func WithResolveOptions(opts ...children.ResolveOption) Option {
	return func(o *options) {
		o.resolveOpts = append(o.resolveOpts, opts...)
	}
}

// WithConnectivity overrides the client built from the configured address.
func WithConnectivity(client *connectivity.Client) Option {
	return func(o *options) {
		o.connectivity = client
	}
}

// New builds the node described by cfg: broadcaster, stateful node, actor
// holding the init token, and children, of which it then takes control.
// Start publishes the control address.
func New(ctx context.Context, cfg config.ControllerConfig, opts ...Option) (*Controller, error) {
	o := options{logger: logging.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.WithFields(o.logger, map[string]any{"controller": cfg.Name, "session": cfg.Session})
	c := &Controller{
		name:       cfg.Name,
		session:    cfg.Session,
		detector:   cfg.Detector,
		uri:        cfg.ControlURI(),
		actor:      actor.New(cfg.InitActor()),
		authoriser: o.authoriser,
		metrics:    o.metrics,
		logger:     logger,
	}
	if c.authoriser == nil {
		c.authoriser = authoriser.NewDummy(logger)
	}

	if cfg.Broadcast.Enabled() {
		sink := o.sink
		kind := "custom"
		if sink == nil {
			sink = broadcast.NewLogSink(logger)
			kind = "log"
		}
		c.sender = broadcast.NewSender(cfg.Name, cfg.Session,
			broadcast.WithSink(sink), broadcast.WithLogger(logger), broadcast.WithKind(kind))
	}

	machine, err := cfg.FSM.Build()
	if err != nil {
		return nil, err
	}
	pipelines, err := actions.Build(cfg.FSM, o.registry, logger)
	if err != nil {
		return nil, err
	}
	if machine, err = machine.WithExtraArguments(pipelines.Arguments()); err != nil {
		return nil, err
	}
	c.node = stateful.New(machine,
		stateful.WithPipelines(pipelines),
		stateful.WithBroadcaster(c.sender),
		stateful.WithLogger(logger),
	)

	directory := o.connectivity
	if directory == nil && cfg.Connectivity != "" {
		directory = connectivity.NewClient(cfg.Session, cfg.Connectivity, connectivity.WithLogger(logger))
	}
	if directory != nil {
		c.advertiser = connectivity.NewAdvertiser(directory,
			connectivity.ControlUID(cfg.Name), c.uri, connectivity.RunControlDataType,
			connectivity.WithInterval(cfg.PublishInterval),
			connectivity.WithAdvertiserLogger(logger))
	}

	c.children = o.children
	if c.children == nil {
		resolveOpts := append([]children.ResolveOption{
			children.WithConnectivity(directory),
			children.WithToken(cfg.InitActor()),
			children.WithLookupTimeout(cfg.LookupTimeout, cfg.Depth),
			children.WithResolveLogger(logger),
		}, o.resolveOpts...)
		if c.children, err = children.ResolveAll(ctx, cfg.Children, resolveOpts...); err != nil {
			return nil, err
		}
	}

	for _, resp := range c.propagate(ctx, runcontrol.CommandTakeControl, nil, cfg.InitActor(), c.children) {
		if !controlAccepted(resp.Flag) {
			logger.Warn("could not take control of %s at startup: %s", resp.Name, resp.Flag)
		}
	}
	c.metrics.SetInError(false)
	return c, nil
}

// Start advertises the control address, re-publishing it on an interval,
// and announces the server is ready.
func (c *Controller) Start(ctx context.Context) error {
	if c.advertiser != nil {
		c.logger.Info("Registering %s to the connectivity service at %s", c.name, c.uri)
		if err := c.advertiser.Start(ctx); err != nil {
			return err
		}
	}
	c.sender.Broadcast(broadcast.ServerReady, "ready")
	return nil
}

// Terminate retracts the control address, announces the shutdown and
// releases every child. Later calls are no-ops.
func (c *Controller) Terminate(ctx context.Context) {
	c.terminate.Do(func() {
		if c.advertiser != nil {
			c.logger.Info("Unregistering from the connectivity service")
			if err := c.advertiser.Stop(ctx); err != nil {
				c.logger.Warn("could not retract %s: %v", c.name, err)
			}
		}
		c.sender.Broadcast(broadcast.ServerShutdown, "over_and_out")
		c.logger.Info("Stopping children")
		for _, child := range c.children {
			c.logger.Debug("Stopping %s", child.Name())
			child.Terminate()
		}
	})
}

func (c *Controller) Name() string { return c.name }

// URI is the control address published for this controller.
func (c *Controller) URI() string { return c.uri }

// Children returns the child handles in configuration order.
func (c *Controller) Children() []children.Node {
	out := make([]children.Node, len(c.children))
	copy(out, c.children)
	return out
}

// Node exposes the stateful core, read-only by convention.
func (c *Controller) Node() *stateful.Node { return c.node }

// ToError marks the node in error; not exposed over RPC.
func (c *Controller) ToError() {
	c.node.ToError()
	c.metrics.SetInError(true)
}

// ResolveError clears the error flag; not exposed over RPC.
func (c *Controller) ResolveError() {
	c.node.ResolveError()
	c.metrics.SetInError(false)
}

func controlAccepted(flag runcontrol.Flag) bool {
	return flag == runcontrol.FlagExecutedSuccessfully || flag == runcontrol.FlagNotExecutedNotImplemented
}
