package fsm

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
)

// ArgumentType is the declared type of a transition argument.
type ArgumentType string

const (
	TypeInt    ArgumentType = "int"
	TypeFloat  ArgumentType = "float"
	TypeString ArgumentType = "string"
	TypeBool   ArgumentType = "bool"
)

// ParseArgumentType validates a type name.
func ParseArgumentType(name string) (ArgumentType, error) {
	switch t := ArgumentType(strings.ToLower(strings.TrimSpace(name))); t {
	case TypeInt, TypeFloat, TypeString, TypeBool:
		return t, nil
	}
	return "", runcontrol.NewError(runcontrol.ErrUnhandledArgumentType,
		fmt.Sprintf("argument type %q is not handled", name), nil,
		map[string]any{"type": name})
}

// Argument describes one typed transition argument.
type Argument struct {
	Name      string       `json:"name" yaml:"name"`
	Type      ArgumentType `json:"type" yaml:"type"`
	Mandatory bool         `json:"mandatory" yaml:"mandatory"`
	Default   any          `json:"default,omitempty" yaml:"default,omitempty"`
	Choices   []any        `json:"choices,omitempty" yaml:"choices,omitempty"`
	Help      string       `json:"help,omitempty" yaml:"help,omitempty"`
}

// Validate checks the type, the default, and the choice list.
func (a Argument) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration, "argument name is required", nil, nil)
	}
	if _, err := ParseArgumentType(string(a.Type)); err != nil {
		return err
	}
	choices := make([]any, 0, len(a.Choices))
	for _, choice := range a.Choices {
		v, err := a.Coerce(choice)
		if err != nil {
			return err
		}
		choices = append(choices, v)
	}
	if a.Default != nil {
		v, err := a.Coerce(a.Default)
		if err != nil {
			return err
		}
		if len(choices) > 0 && !containsValue(choices, v) {
			return runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
				fmt.Sprintf("default %v of argument %q is not one of its choices", a.Default, a.Name), nil,
				map[string]any{"argument": a.Name})
		}
	}
	return nil
}

// Coerce converts a decoded value to the argument's Go type: int64,
// float64, string or bool.
func (a Argument) Coerce(value any) (any, error) {
	fail := func() (any, error) {
		return nil, runcontrol.NewError(runcontrol.ErrInvalidArgumentType,
			fmt.Sprintf("argument %q expects %s, got %v (%T)", a.Name, a.Type, value, value), nil,
			map[string]any{"argument": a.Name, "type": string(a.Type)})
	}

	switch a.Type {
	case TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint64:
			return int64(v), nil
		case float64:
			if v != math.Trunc(v) {
				return fail()
			}
			return int64(v), nil
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, nil
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, nil
			}
		}
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, nil
			}
		}
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, nil
			}
		}
	}
	return fail()
}

// Describe returns the wire form.
func (a Argument) Describe() runcontrol.ArgumentDescription {
	return runcontrol.ArgumentDescription{
		Name:      a.Name,
		Type:      string(a.Type),
		Mandatory: a.Mandatory,
		Default:   a.Default,
		Choices:   a.Choices,
		Help:      a.Help,
	}
}

// DecodeArguments applies defaults, checks mandatory presence and coerces
// every declared argument. Undeclared keys pass through unchanged.
func DecodeArguments(t Transition, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw)+len(t.Arguments))
	for k, v := range raw {
		out[k] = v
	}
	for _, arg := range t.Arguments {
		value, ok := raw[arg.Name]
		if !ok || value == nil {
			if arg.Mandatory {
				return nil, runcontrol.NewError(runcontrol.ErrMissingArgument,
					fmt.Sprintf("transition %q requires argument %q", t.Name, arg.Name), nil,
					map[string]any{"transition": t.Name, "argument": arg.Name})
			}
			if arg.Default == nil {
				delete(out, arg.Name)
				continue
			}
			value = arg.Default
		}
		coerced, err := arg.Coerce(value)
		if err != nil {
			return nil, err
		}
		if len(arg.Choices) > 0 {
			allowed := make([]any, 0, len(arg.Choices))
			for _, choice := range arg.Choices {
				if c, err := arg.Coerce(choice); err == nil {
					allowed = append(allowed, c)
				}
			}
			if !containsValue(allowed, coerced) {
				return nil, runcontrol.NewError(runcontrol.ErrInvalidArgumentChoice,
					fmt.Sprintf("argument %q must be one of %v, got %v", arg.Name, arg.Choices, value), nil,
					map[string]any{"argument": arg.Name})
			}
		}
		out[arg.Name] = coerced
	}
	return out, nil
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
