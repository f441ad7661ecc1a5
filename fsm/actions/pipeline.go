package actions

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/goliatone/go-runcontrol/logging"
)

type step struct {
	action    string
	mandatory bool
	binding   Binding
}

// Pipeline is the ordered callback list of one transition phase.
type Pipeline struct {
	transition string
	phase      Phase
	steps      []step
	logger     logging.Logger
}

// Len reports the number of callbacks.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

func (p *Pipeline) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		parts = append(parts, fmt.Sprintf("%s.%s_%s (mandatory=%t)", s.action, p.phase, p.transition, s.mandatory))
	}
	return strings.Join(parts, ", ")
}

// Params lists the typed parameters of every callback, in order.
func (p *Pipeline) Params() []fsm.Argument {
	if p == nil {
		return nil
	}
	var out []fsm.Argument
	for _, s := range p.steps {
		out = append(out, s.binding.Params...)
	}
	return out
}

// ParsePayload decodes transition data. Empty data is an empty object.
func ParsePayload(data string) (Payload, error) {
	if strings.TrimSpace(data) == "" {
		return Payload{}, nil
	}
	var out Payload
	if err := json.Unmarshal([]byte(data), &out); err != nil || out == nil {
		return nil, runcontrol.NewError(runcontrol.ErrTransitionDataFormat,
			fmt.Sprintf("transition data is not a JSON object: %q", data), err, nil)
	}
	return out, nil
}

// Encode serialises a payload to its wire form.
func (p Payload) Encode() (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Execute runs every callback in order. A domain error from an optional
// callback is logged and the previous payload kept; anything else aborts.
func (p *Pipeline) Execute(ctx context.Context, data string, args Args, tctx *Context) (Payload, error) {
	payload, err := ParsePayload(data)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return payload, nil
	}
	if tctx == nil {
		tctx = &Context{}
	}
	logger := logging.Normalize(p.logger)

	for _, s := range p.steps {
		label := fmt.Sprintf("%s.%s_%s", s.action, p.phase, p.transition)
		logger.Debug("executing callback %s", label)

		out, err := s.binding.Callback(ctx, clonePayload(payload), tctx, args)
		if err == nil {
			if _, encErr := out.Encode(); encErr != nil {
				err = runcontrol.NewError(runcontrol.ErrInvalidDataReturnedByAction,
					fmt.Sprintf("%s returned data that cannot be serialised", label), encErr,
					map[string]any{"callback": label})
			}
		}
		if err != nil {
			if !runcontrol.IsDomainError(err) || s.mandatory {
				return nil, err
			}
			logger.Error("optional callback %s failed, keeping previous data: %v", label, err)
			continue
		}
		if out == nil {
			out = Payload{}
		}
		payload = out
	}
	return payload, nil
}

func clonePayload(in Payload) Payload {
	out := make(Payload, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
