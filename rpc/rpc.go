// Package rpc is the method registry behind the HTTP JSON transport used
// between controllers, their children and process managers.
package rpc

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

// Endpoint is the public description of a registered method, as listed by
// GET /rpc.
type Endpoint struct {
	Method      string        `json:"method"`
	HandlerKind string        `json:"handlerKind"`
	Request     string        `json:"request"`
	Response    string        `json:"response"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Idempotent  bool          `json:"idempotent"`
	Summary     string        `json:"summary,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
}

type registered struct {
	endpoint Endpoint
	def      EndpointDefinition
}

type Option func(*Server)

// WithMiddleware appends invoke middleware; the first one is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(s *Server) {
		for _, m := range mw {
			if m != nil {
				s.middleware = append(s.middleware, m)
			}
		}
	}
}

// WithServerLogger receives recovered handler panics.
func WithServerLogger(logger logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logging.Named(logger, "rpc")
		}
	}
}

// Server maps method names to handlers. A panicking handler is recovered
// and reported as an error so one bad call cannot take the node down.
type Server struct {
	mu         sync.RWMutex
	endpoints  map[string]registered
	middleware []Middleware
	logger     logging.Logger
}

func NewServer(opts ...Option) *Server {
	s := &Server{endpoints: map[string]registered{}, logger: logging.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func registrationError(method, message string) error {
	return runcontrol.NewError(runcontrol.ErrInvalidConfiguration, message, nil, map[string]any{"method": method})
}

// RegisterEndpoint adds def. Empty and duplicate method names are rejected.
func (s *Server) RegisterEndpoint(def EndpointDefinition) error {
	spec := def.Spec()
	method := strings.TrimSpace(spec.Method)
	if method == "" {
		return registrationError(method, "rpc method required")
	}
	if def.invoke == nil {
		return registrationError(method, fmt.Sprintf("rpc method %q has no handler", method))
	}
	kind := string(spec.Kind)
	if kind == "" {
		kind = HandlerKindQuery
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[method]; exists {
		return registrationError(method, fmt.Sprintf("rpc method %q already registered", method))
	}
	s.endpoints[method] = registered{
		def: def,
		endpoint: Endpoint{
			Method:      method,
			HandlerKind: kind,
			Request:     def.request,
			Response:    def.response,
			Timeout:     spec.Timeout,
			Idempotent:  spec.Idempotent,
			Summary:     spec.Summary,
			Tags:        slices.Clone(spec.Tags),
		},
	}
	return nil
}

// RegisterEndpoints stops at the first failure.
func (s *Server) RegisterEndpoints(defs ...EndpointDefinition) error {
	for _, def := range defs {
		if err := s.RegisterEndpoint(def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Register(provider EndpointsProvider) error {
	if provider == nil {
		return registrationError("", "rpc endpoints provider required")
	}
	return s.RegisterEndpoints(provider.RPCEndpoints()...)
}

func (s *Server) lookup(method string) (registered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.endpoints[method]
	if !ok {
		return registered{}, fmt.Errorf("rpc method %q not found", method)
	}
	return entry, nil
}

// Invoke runs method through the middleware chain. payload is a
// RequestEnvelope of the method's request type, by value or pointer.
func (s *Server) Invoke(ctx context.Context, method string, payload any) (out any, err error) {
	if method == "" {
		return nil, fmt.Errorf("rpc method required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry, err := s.lookup(method)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	middleware := slices.Clone(s.middleware)
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc %s panicked: %v\n%s", method, r, runcontrol.CaptureStack())
			out, err = nil, fmt.Errorf("rpc invoke panic for method %q: %v", method, r)
		}
	}()
	req := InvokeRequest{Method: method, Endpoint: cloneEndpoint(entry.endpoint), Payload: payload}
	return applyMiddleware(middleware, entry.def.invoke)(ctx, req)
}

// NewRequestForMethod returns a pointer to a zero request envelope for the
// transport to decode into.
func (s *Server) NewRequestForMethod(method string) (any, error) {
	entry, err := s.lookup(method)
	if err != nil {
		return nil, err
	}
	return entry.def.newReq(), nil
}

func (s *Server) Endpoint(method string) (Endpoint, bool) {
	entry, err := s.lookup(method)
	if err != nil {
		return Endpoint{}, false
	}
	return cloneEndpoint(entry.endpoint), true
}

// Endpoints lists every method sorted by name.
func (s *Server) Endpoints() []Endpoint {
	s.mu.RLock()
	out := make([]Endpoint, 0, len(s.endpoints))
	for _, entry := range s.endpoints {
		out = append(out, cloneEndpoint(entry.endpoint))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

func (s *Server) Has(method string) bool {
	_, ok := s.Endpoint(method)
	return ok
}

func cloneEndpoint(e Endpoint) Endpoint {
	e.Tags = slices.Clone(e.Tags)
	return e
}
