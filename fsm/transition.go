package fsm

import (
	"fmt"
	"regexp"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
)

// Transition is a named state change. Source is a regular expression matched
// at the start of the current state name.
type Transition struct {
	Name        string
	Source      string
	Destination string
	Arguments   []Argument
	Help        string
	// Members is set on sequences only.
	Members []Transition

	source *regexp.Regexp
}

// NewTransition compiles the source pattern.
func NewTransition(name, source, destination string, args ...Argument) (Transition, error) {
	t := Transition{
		Name:        strings.TrimSpace(name),
		Source:      source,
		Destination: strings.TrimSpace(destination),
		Arguments:   args,
	}
	if t.Name == "" {
		return Transition{}, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration, "transition name is required", nil, nil)
	}
	re, err := compileSource(source)
	if err != nil {
		return Transition{}, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
			fmt.Sprintf("transition %q has an invalid source %q", name, source), err,
			map[string]any{"transition": name})
	}
	t.source = re
	return t, nil
}

// NewSequence builds a composite transition from ordered members. The
// source is the union of member sources, the destination is the last
// member's, arguments are concatenated.
func NewSequence(name string, members ...Transition) (Transition, error) {
	if len(members) == 0 {
		return Transition{}, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
			fmt.Sprintf("sequence %q has no members", name), nil, nil)
	}
	sources := make([]string, 0, len(members))
	var args []Argument
	for _, m := range members {
		sources = append(sources, m.Source)
		args = append(args, m.Arguments...)
	}
	seq, err := NewTransition(name, strings.Join(sources, "|"), members[len(members)-1].Destination, args...)
	if err != nil {
		return Transition{}, err
	}
	seq.Members = append([]Transition(nil), members...)
	help := []string{"A sequence of transitions:"}
	for _, m := range members {
		help = append(help, fmt.Sprintf(" - %s", m))
	}
	seq.Help = strings.Join(help, "\n")
	return seq, nil
}

func compileSource(source string) (*regexp.Regexp, error) {
	// prefix semantics: anchored at the start only
	return regexp.Compile("^(?:" + source + ")")
}

// IsSequence reports whether the transition is composite.
func (t Transition) IsSequence() bool {
	return len(t.Members) > 0
}

// Equal compares name, source and destination.
func (t Transition) Equal(other Transition) bool {
	return t.Name == other.Name && t.Source == other.Source && t.Destination == other.Destination
}

// Matches reports whether the transition may fire from state.
func (t Transition) Matches(state string) bool {
	re := t.source
	if re == nil {
		var err error
		if re, err = compileSource(t.Source); err != nil {
			return false
		}
	}
	return re.MatchString(state)
}

func (t Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s", t.Name, t.Source, t.Destination)
}

// Describe returns the wire form.
func (t Transition) Describe() runcontrol.FSMCommandDescription {
	args := make([]runcontrol.ArgumentDescription, 0, len(t.Arguments))
	for _, a := range t.Arguments {
		args = append(args, a.Describe())
	}
	help := t.Help
	if help == "" {
		help = t.String()
	}
	return runcontrol.FSMCommandDescription{
		Name:      t.Name,
		Source:    t.Source,
		Dest:      t.Destination,
		Arguments: args,
		Help:      help,
	}
}

// WithArguments returns a copy with extra arguments appended, skipping names
// already declared.
func (t Transition) WithArguments(extra ...Argument) Transition {
	seen := make(map[string]struct{}, len(t.Arguments))
	args := make([]Argument, 0, len(t.Arguments)+len(extra))
	for _, a := range t.Arguments {
		seen[a.Name] = struct{}{}
		args = append(args, a)
	}
	for _, a := range extra {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		args = append(args, a)
	}
	t.Arguments = args
	return t
}
