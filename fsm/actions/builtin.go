package actions

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
)

const (
	UserProvidedRunNumber = "user-provided-run-number"
	TriggerRateSpecifier  = "trigger-rate-specifier"
	FileLogbook           = "file-logbook"
)

// Builtins returns a registry holding the stock actions.
func Builtins() *Registry {
	r := NewRegistry()
	for _, entry := range []struct {
		name    string
		factory Factory
	}{
		{UserProvidedRunNumber, newRunNumberAction},
		{TriggerRateSpecifier, newTriggerRateAction},
		{FileLogbook, newFileLogbookAction},
	} {
		// names are unique within this table
		_ = r.Register(entry.name, entry.factory)
	}
	return r
}

func newRunNumberAction(map[string]any) (Action, error) {
	return Action{
		Name: UserProvidedRunNumber,
		Bindings: []Binding{{
			Transition: "start",
			Phase:      PhasePre,
			Params: []fsm.Argument{
				{Name: "run_number", Type: fsm.TypeInt, Mandatory: true, Help: "run number"},
				{Name: "disable_data_storage", Type: fsm.TypeBool, Default: false, Help: "do not write data"},
				{Name: "trigger_rate", Type: fsm.TypeFloat, Default: 0.0, Help: "trigger rate in Hz"},
				{Name: "run_type", Type: fsm.TypeString, Default: "TEST", Help: "PROD or TEST"},
			},
			Callback: preStartRunNumber,
		}},
	}, nil
}

func preStartRunNumber(_ context.Context, in Payload, _ *Context, args Args) (Payload, error) {
	runType := strings.ToUpper(fmt.Sprint(argOr(args, "run_type", "TEST")))
	if runType != "PROD" && runType != "TEST" {
		return nil, runcontrol.NewError(runcontrol.ErrActionFailed,
			fmt.Sprintf("run type %q is neither PROD nor TEST", runType), nil,
			map[string]any{"run_type": runType})
	}
	runNumber, ok := args["run_number"]
	if !ok {
		return nil, runcontrol.NewError(runcontrol.ErrMissingArgument, "run_number is required", nil, nil)
	}
	in["production_vs_test"] = runType
	in["run"] = runNumber
	in["disable_data_storage"] = argOr(args, "disable_data_storage", false)
	in["trigger_rate"] = argOr(args, "trigger_rate", 0.0)
	return in, nil
}

func newTriggerRateAction(map[string]any) (Action, error) {
	return Action{
		Name: TriggerRateSpecifier,
		Bindings: []Binding{{
			Transition: "change_rate",
			Phase:      PhasePre,
			Params: []fsm.Argument{
				{Name: "trigger_rate", Type: fsm.TypeFloat, Mandatory: true, Help: "new trigger rate in Hz"},
			},
			Callback: func(_ context.Context, in Payload, _ *Context, args Args) (Payload, error) {
				rate, ok := args["trigger_rate"]
				if !ok {
					return nil, runcontrol.NewError(runcontrol.ErrMissingArgument, "trigger_rate is required", nil, nil)
				}
				in["trigger_rate"] = rate
				return in, nil
			},
		}},
	}, nil
}

// fileLogbook appends one line per start and stop to a file.
type fileLogbook struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func newFileLogbookAction(settings map[string]any) (Action, error) {
	path, _ := settings["path"].(string)
	if strings.TrimSpace(path) == "" {
		return Action{}, runcontrol.NewError(runcontrol.ErrInvalidFSMConfiguration,
			"file-logbook requires a path setting", nil, map[string]any{"action": FileLogbook})
	}
	lb := &fileLogbook{path: path, now: time.Now}
	message := fsm.Argument{Name: "logbook_message", Type: fsm.TypeString, Default: "", Help: "text added to the logbook entry"}
	return Action{
		Name: FileLogbook,
		Bindings: []Binding{
			{Transition: "start", Phase: PhasePost, Params: []fsm.Argument{message}, Callback: lb.entry("started")},
			{Transition: "stop", Phase: PhasePost, Params: []fsm.Argument{message}, Callback: lb.entry("stopped")},
		},
	}, nil
}

func (l *fileLogbook) entry(verb string) Callback {
	return func(_ context.Context, in Payload, tctx *Context, args Args) (Payload, error) {
		line := fmt.Sprintf("%s %s/%s run %v %s", l.now().UTC().Format(time.RFC3339), tctx.Session, tctx.Node, in["run"], verb)
		if msg := fmt.Sprint(argOr(args, "logbook_message", "")); msg != "" {
			line += ": " + msg
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, runcontrol.NewError(runcontrol.ErrActionFailed, "cannot open logbook", err,
				map[string]any{"path": l.path})
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, line); err != nil {
			return nil, runcontrol.NewError(runcontrol.ErrActionFailed, "cannot write logbook", err,
				map[string]any{"path": l.path})
		}
		return in, nil
	}
}

func argOr(args Args, name string, fallback any) any {
	if v, ok := args[name]; ok && v != nil {
		return v
	}
	return fallback
}
