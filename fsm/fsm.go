// Package fsm evaluates the operational state machine of a controller.
package fsm

import (
	"fmt"
	"slices"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
)

// FSM is immutable once built.
type FSM struct {
	initial     string
	states      []string
	transitions []Transition
	byName      map[string]int
}

// New validates the parts and builds the machine. Transitions keep the
// given order.
func New(initial string, states []string, transitions []Transition) (*FSM, error) {
	m := &FSM{
		initial: strings.TrimSpace(initial),
		byName:  make(map[string]int, len(transitions)),
	}
	for _, s := range states {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(m.states, s) {
			continue
		}
		m.states = append(m.states, s)
	}
	if !slices.Contains(m.states, m.initial) {
		return nil, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
			fmt.Sprintf("initial state %q is not a declared state", initial), nil,
			map[string]any{"initial_state": initial})
	}
	for _, t := range transitions {
		key := strings.ToLower(t.Name)
		if _, dup := m.byName[key]; dup {
			return nil, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("transition %q is declared twice", t.Name), nil,
				map[string]any{"transition": t.Name})
		}
		if t.Destination != "" && !slices.Contains(m.states, t.Destination) {
			return nil, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("transition %q leads to unknown state %q", t.Name, t.Destination), nil,
				map[string]any{"transition": t.Name, "destination": t.Destination})
		}
		for _, a := range t.Arguments {
			if err := a.Validate(); err != nil {
				return nil, err
			}
		}
		m.byName[key] = len(m.transitions)
		m.transitions = append(m.transitions, t)
	}
	return m, nil
}

func (m *FSM) InitialState() string { return m.initial }

func (m *FSM) States() []string { return slices.Clone(m.states) }

func (m *FSM) AllTransitions() []Transition { return slices.Clone(m.transitions) }

// Transition looks a transition up by name, ignoring case.
func (m *FSM) Transition(name string) (Transition, error) {
	idx, ok := m.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Transition{}, runcontrol.NewError(runcontrol.ErrNoTransitionOfName,
			fmt.Sprintf("no transition named %q", name), nil,
			map[string]any{"transition": name})
	}
	return m.transitions[idx], nil
}

// CanExecute reports whether t may fire from source.
func (m *FSM) CanExecute(source string, t Transition) bool {
	return t.Matches(source)
}

// ExecutableTransitions lists every transition that may fire from source.
func (m *FSM) ExecutableTransitions(source string) []Transition {
	var out []Transition
	for _, t := range m.transitions {
		if t.Matches(source) {
			out = append(out, t)
		}
	}
	return out
}

// DestinationState resolves where t leads from source. An empty destination
// keeps the source state.
func (m *FSM) DestinationState(source string, t Transition) (string, error) {
	if !m.CanExecute(source, t) {
		return "", runcontrol.NewError(runcontrol.ErrCannotExecuteTransition,
			fmt.Sprintf("transition %q cannot be executed from state %q", t.Name, source), nil,
			map[string]any{"transition": t.Name, "state": source})
	}
	if t.Destination == "" {
		return source, nil
	}
	return t.Destination, nil
}

// Describe returns every transition in wire form.
func (m *FSM) Describe(transitions []Transition) []runcontrol.FSMCommandDescription {
	out := make([]runcontrol.FSMCommandDescription, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, t.Describe())
	}
	return out
}

// WithExtraArguments returns a copy where each named transition carries the
// additional arguments. Used to publish callback parameters.
func (m *FSM) WithExtraArguments(extra map[string][]Argument) (*FSM, error) {
	transitions := make([]Transition, 0, len(m.transitions))
	for _, t := range m.transitions {
		if args, ok := extra[strings.ToLower(t.Name)]; ok {
			t = t.WithArguments(args...)
		}
		transitions = append(transitions, t)
	}
	return New(m.initial, m.states, transitions)
}
