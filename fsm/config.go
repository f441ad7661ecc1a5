package fsm

import (
	"fmt"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
	"gopkg.in/yaml.v3"
)

// Config is the declarative description of an FSM.
type Config struct {
	InitialState string             `json:"initial_state" yaml:"initial_state"`
	States       []string           `json:"states" yaml:"states"`
	Transitions  []TransitionConfig `json:"transitions" yaml:"transitions"`
	Sequences    []SequenceConfig   `json:"sequences,omitempty" yaml:"sequences,omitempty"`
	// PreTransitions and PostTransitions map a transition name to the
	// ordered callbacks bound to it.
	PreTransitions  map[string][]CallbackConfig `json:"pre_transitions,omitempty" yaml:"pre_transitions,omitempty"`
	PostTransitions map[string][]CallbackConfig `json:"post_transitions,omitempty" yaml:"post_transitions,omitempty"`
	// Actions carries per action settings, keyed by action name.
	Actions map[string]map[string]any `json:"actions,omitempty" yaml:"actions,omitempty"`
}

type TransitionConfig struct {
	Name        string     `json:"name" yaml:"name"`
	Source      string     `json:"source" yaml:"source"`
	Destination string     `json:"destination" yaml:"destination"`
	Arguments   []Argument `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Help        string     `json:"help,omitempty" yaml:"help,omitempty"`
}

type SequenceConfig struct {
	Name        string             `json:"name" yaml:"name"`
	Transitions []TransitionConfig `json:"transitions" yaml:"transitions"`
}

// CallbackConfig binds an action to a transition phase.
type CallbackConfig struct {
	Action    string `json:"action" yaml:"action"`
	Mandatory *bool  `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
}

// IsMandatory defaults to true.
func (c CallbackConfig) IsMandatory() bool {
	return c.Mandatory == nil || *c.Mandatory
}

// ParseConfig decodes YAML or JSON.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration, "fsm configuration is not valid YAML", err, nil)
	}
	return cfg, cfg.Validate()
}

// Validate performs structural checks. Build performs the full ones.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InitialState) == "" {
		return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration, "initial_state is required", nil, nil)
	}
	if len(c.States) == 0 {
		return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration, "states are required", nil, nil)
	}
	for idx, t := range c.Transitions {
		if strings.TrimSpace(t.Name) == "" {
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("transitions[%d]: name is required", idx), nil, nil)
		}
	}
	for idx, s := range c.Sequences {
		if strings.TrimSpace(s.Name) == "" || len(s.Transitions) == 0 {
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("sequences[%d]: name and transitions are required", idx), nil, nil)
		}
	}
	return nil
}

// Build constructs the FSM. Sequence members are registered as plain
// transitions too; a member also declared at top level must be identical.
func (c Config) Build() (*FSM, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var all []Transition
	index := map[string]Transition{}
	add := func(t Transition) error {
		key := strings.ToLower(t.Name)
		if prev, ok := index[key]; ok {
			if prev.Equal(t) {
				return nil
			}
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("transition %q is declared twice with different endpoints", t.Name), nil,
				map[string]any{"transition": t.Name})
		}
		index[key] = t
		all = append(all, t)
		return nil
	}

	for _, tc := range c.Transitions {
		t, err := tc.build()
		if err != nil {
			return nil, err
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}
	for _, sc := range c.Sequences {
		members := make([]Transition, 0, len(sc.Transitions))
		for _, tc := range sc.Transitions {
			t, err := tc.build()
			if err != nil {
				return nil, err
			}
			if err := add(t); err != nil {
				return nil, err
			}
			members = append(members, t)
		}
		seq, err := NewSequence(sc.Name, members...)
		if err != nil {
			return nil, err
		}
		if err := add(seq); err != nil {
			return nil, err
		}
	}
	return New(c.InitialState, c.States, all)
}

func (tc TransitionConfig) build() (Transition, error) {
	args := make([]Argument, 0, len(tc.Arguments))
	for _, a := range tc.Arguments {
		typ, err := ParseArgumentType(string(a.Type))
		if err != nil {
			return Transition{}, err
		}
		a.Type = typ
		args = append(args, a)
	}
	t, err := NewTransition(tc.Name, tc.Source, tc.Destination, args...)
	if err != nil {
		return Transition{}, err
	}
	t.Help = tc.Help
	return t, nil
}
