package actions

import (
	"fmt"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/logging"
)

// Set holds the pre and post pipelines of every transition of one FSM.
type Set struct {
	pre  map[string]*Pipeline
	post map[string]*Pipeline
}

// Build instantiates every action referenced by cfg and binds the
// callbacks in configuration order. Unknown actions, missing bindings,
// and arguments declared by two callbacks of one pipeline fail here.
func Build(cfg fsm.Config, registry *Registry, logger logging.Logger) (*Set, error) {
	if registry == nil {
		registry = Builtins()
	}
	logger = logging.Named(logger, "pipeline")
	set := &Set{pre: map[string]*Pipeline{}, post: map[string]*Pipeline{}}
	instances := map[string]Action{}

	instance := func(name string) (Action, error) {
		key := strings.ToLower(name)
		if a, ok := instances[key]; ok {
			return a, nil
		}
		a, err := registry.Build(name, cfg.Actions[name])
		if err != nil {
			return Action{}, err
		}
		instances[key] = a
		return a, nil
	}

	bind := func(phase Phase, bindings map[string][]callbackView, target map[string]*Pipeline) error {
		for transition, callbacks := range bindings {
			p := &Pipeline{transition: transition, phase: phase, logger: logger}
			params := map[string]string{}
			for _, cb := range callbacks {
				action, err := instance(cb.Action)
				if err != nil {
					return err
				}
				b, ok := action.binding(transition, phase)
				if !ok {
					return runcontrol.NewError(runcontrol.ErrUnknownAction,
						fmt.Sprintf("action %q has no %s_%s callback", action.Name, phase, transition), nil,
						map[string]any{"action": action.Name, "transition": transition, "phase": string(phase)})
				}
				for _, param := range b.Params {
					if owner, dup := params[param.Name]; dup {
						return runcontrol.NewError(runcontrol.ErrDoubleArgument,
							fmt.Sprintf("parameter %q of %s.%s_%s is already declared by %s", param.Name, action.Name, phase, transition, owner), nil,
							map[string]any{"parameter": param.Name, "transition": transition})
					}
					params[param.Name] = action.Name
				}
				p.steps = append(p.steps, step{action: action.Name, mandatory: cb.Mandatory, binding: b})
			}
			target[strings.ToLower(transition)] = p
		}
		return nil
	}

	if err := bind(PhasePre, view(cfg.PreTransitions), set.pre); err != nil {
		return nil, err
	}
	if err := bind(PhasePost, view(cfg.PostTransitions), set.post); err != nil {
		return nil, err
	}
	return set, nil
}

// callbackView is fsm.CallbackConfig with the default applied.
type callbackView struct {
	Action    string
	Mandatory bool
}

func view(in map[string][]fsm.CallbackConfig) map[string][]callbackView {
	out := make(map[string][]callbackView, len(in))
	for transition, callbacks := range in {
		for _, cb := range callbacks {
			out[transition] = append(out[transition], callbackView{Action: cb.Action, Mandatory: cb.IsMandatory()})
		}
	}
	return out
}

// Pre returns the pre pipeline of a transition, nil when none.
func (s *Set) Pre(transition string) *Pipeline {
	if s == nil {
		return nil
	}
	return s.pre[strings.ToLower(transition)]
}

// Post returns the post pipeline of a transition, nil when none.
func (s *Set) Post(transition string) *Pipeline {
	if s == nil {
		return nil
	}
	return s.post[strings.ToLower(transition)]
}

// Arguments maps lower-cased transition names to the parameters their
// callbacks publish.
func (s *Set) Arguments() map[string][]fsm.Argument {
	out := map[string][]fsm.Argument{}
	if s == nil {
		return out
	}
	for name, p := range s.pre {
		out[name] = append(out[name], p.Params()...)
	}
	for name, p := range s.post {
		out[name] = append(out[name], p.Params()...)
	}
	return out
}
