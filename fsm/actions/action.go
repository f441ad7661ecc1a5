// Package actions runs the ordered pre and post transition callbacks that
// transform a transition payload.
package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/logging"
)

// Phase selects when a callback runs relative to the state change.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Payload is the structured transition data threaded through callbacks.
type Payload map[string]any

// Args holds the decoded transition arguments.
type Args map[string]any

// Context describes the node executing the transition.
type Context struct {
	Node          string
	Session       string
	State         string
	Configuration map[string]any
	Logger        logging.Logger
}

// Callback transforms a payload. Returning a domain error lets the
// pipeline apply the mandatory policy.
type Callback func(ctx context.Context, in Payload, tctx *Context, args Args) (Payload, error)

// Binding attaches a callback to one transition phase with its typed
// parameters.
type Binding struct {
	Transition string
	Phase      Phase
	Params     []fsm.Argument
	Callback   Callback
}

// Action is a named set of bindings.
type Action struct {
	Name     string
	Bindings []Binding
}

func (a Action) binding(transition string, phase Phase) (Binding, bool) {
	for _, b := range a.Bindings {
		if strings.EqualFold(b.Transition, transition) && b.Phase == phase {
			return b, true
		}
	}
	return Binding{}, false
}

// Factory builds an action from its settings.
type Factory func(settings map[string]any) (Action, error)

// Registry maps action names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are case-insensitive.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return runcontrol.NewError(runcontrol.ErrUnknownAction, "action name and factory are required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return runcontrol.NewError(runcontrol.ErrDuplicateCallback,
			fmt.Sprintf("action %q already registered", name), nil,
			map[string]any{"action": name})
	}
	r.factories[key] = factory
	return nil
}

// Build instantiates and validates an action.
func (r *Registry) Build(name string, settings map[string]any) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return Action{}, runcontrol.NewError(runcontrol.ErrUnknownAction,
			fmt.Sprintf("action %q is not registered", name), nil,
			map[string]any{"action": name, "known": r.Names()})
	}
	action, err := factory(settings)
	if err != nil {
		return Action{}, err
	}
	if action.Name == "" {
		action.Name = name
	}
	if err := validateAction(action); err != nil {
		return Action{}, err
	}
	return action, nil
}

// Names lists registered actions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validateAction(a Action) error {
	seen := map[string]struct{}{}
	for _, b := range a.Bindings {
		label := fmt.Sprintf("%s.%s_%s", a.Name, b.Phase, b.Transition)
		if b.Phase != PhasePre && b.Phase != PhasePost {
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("%s: phase must be pre or post", label), nil,
				map[string]any{"callback": label})
		}
		if b.Callback == nil {
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("%s: callback is nil", label), nil,
				map[string]any{"callback": label})
		}
		key := strings.ToLower(string(b.Phase) + "/" + b.Transition)
		if _, dup := seen[key]; dup {
			return runcontrol.NewError(runcontrol.ErrDuplicateCallback,
				fmt.Sprintf("%s: declared twice", label), nil,
				map[string]any{"callback": label})
		}
		seen[key] = struct{}{}

		params := map[string]struct{}{}
		for _, p := range b.Params {
			if _, err := fsm.ParseArgumentType(string(p.Type)); err != nil {
				return runcontrol.NewError(runcontrol.ErrUnhandledArgumentType,
					fmt.Sprintf("%s: parameter %q has unhandled type %q", label, p.Name, p.Type), err,
					map[string]any{"callback": label, "parameter": p.Name})
			}
			if _, dup := params[p.Name]; dup {
				return runcontrol.NewError(runcontrol.ErrDoubleArgument,
					fmt.Sprintf("%s: parameter %q declared twice", label, p.Name), nil,
					map[string]any{"callback": label, "parameter": p.Name})
			}
			params[p.Name] = struct{}{}
		}
	}
	return nil
}
