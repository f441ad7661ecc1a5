package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := Builtins()
	require.NoError(t, r.Register("tagger", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf",
			Phase:      PhasePre,
			Params:     []fsm.Argument{{Name: "tag", Type: fsm.TypeString, Default: "x"}},
			Callback: func(_ context.Context, in Payload, _ *Context, args Args) (Payload, error) {
				in["tag"] = args["tag"]
				return in, nil
			},
		}}}, nil
	}))
	require.NoError(t, r.Register("failing", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf",
			Phase:      PhasePre,
			Callback: func(context.Context, Payload, *Context, Args) (Payload, error) {
				return nil, runcontrol.NewError(runcontrol.ErrActionFailed, "nope", nil, nil)
			},
		}}}, nil
	}))
	require.NoError(t, r.Register("buggy", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf",
			Phase:      PhasePre,
			Callback: func(context.Context, Payload, *Context, Args) (Payload, error) {
				return nil, errors.New("plain failure")
			},
		}}}, nil
	}))
	require.NoError(t, r.Register("unserialisable", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf",
			Phase:      PhasePre,
			Callback: func(_ context.Context, in Payload, _ *Context, _ Args) (Payload, error) {
				in["ch"] = make(chan int)
				return in, nil
			},
		}}}, nil
	}))
	return r
}

func buildSet(t *testing.T, pre map[string][]fsm.CallbackConfig) *Set {
	t.Helper()
	set, err := Build(fsm.Config{PreTransitions: pre}, testRegistry(t), nil)
	require.NoError(t, err)
	return set
}

func TestPipelineRunsCallbacksInOrder(t *testing.T) {
	set := buildSet(t, map[string][]fsm.CallbackConfig{
		"conf": {{Action: "tagger"}},
	})

	out, err := set.Pre("conf").Execute(context.Background(), `{"a":1}`, Args{"tag": "v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])
	assert.Equal(t, "v1", out["tag"])
}

func TestPipelineEmptyDataIsObject(t *testing.T) {
	out, err := (*Pipeline)(nil).Execute(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPipelineRejectsMalformedData(t *testing.T) {
	_, err := (*Pipeline)(nil).Execute(context.Background(), "[1,2]", nil, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeTransitionDataFormat))

	_, err = (*Pipeline)(nil).Execute(context.Background(), "{", nil, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeTransitionDataFormat))
}

func TestMandatoryDomainErrorAborts(t *testing.T) {
	set := buildSet(t, map[string][]fsm.CallbackConfig{
		"conf": {{Action: "failing"}, {Action: "tagger"}},
	})

	_, err := set.Pre("conf").Execute(context.Background(), "", Args{}, nil)
	require.Error(t, err)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeActionFailed))
}

func TestOptionalDomainErrorKeepsPreviousData(t *testing.T) {
	set := buildSet(t, map[string][]fsm.CallbackConfig{
		"conf": {{Action: "tagger"}, {Action: "failing", Mandatory: boolPtr(false)}},
	})

	out, err := set.Pre("conf").Execute(context.Background(), `{"keep":true}`, Args{"tag": "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Payload{"keep": true, "tag": "t"}, out)
}

func TestOptionalUnhandledErrorStillAborts(t *testing.T) {
	set := buildSet(t, map[string][]fsm.CallbackConfig{
		"conf": {{Action: "buggy", Mandatory: boolPtr(false)}},
	})

	_, err := set.Pre("conf").Execute(context.Background(), "", Args{}, nil)
	require.Error(t, err)
	assert.False(t, runcontrol.IsDomainError(err))
}

func TestUnserialisableResultIsRejected(t *testing.T) {
	set := buildSet(t, map[string][]fsm.CallbackConfig{
		"conf": {{Action: "unserialisable"}},
	})

	_, err := set.Pre("conf").Execute(context.Background(), "", Args{}, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeInvalidDataReturnedByAction))
}

func TestBuildValidation(t *testing.T) {
	r := testRegistry(t)

	_, err := Build(fsm.Config{PreTransitions: map[string][]fsm.CallbackConfig{
		"conf": {{Action: "missing"}},
	}}, r, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeUnknownAction))

	_, err = Build(fsm.Config{PreTransitions: map[string][]fsm.CallbackConfig{
		"start": {{Action: "tagger"}},
	}}, r, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeUnknownAction), "no pre_start binding")

	require.NoError(t, r.Register("tagger-twin", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf", Phase: PhasePre,
			Params:   []fsm.Argument{{Name: "tag", Type: fsm.TypeString}},
			Callback: func(_ context.Context, in Payload, _ *Context, _ Args) (Payload, error) { return in, nil },
		}}}, nil
	}))
	_, err = Build(fsm.Config{PreTransitions: map[string][]fsm.CallbackConfig{
		"conf": {{Action: "tagger"}, {Action: "tagger-twin"}},
	}}, r, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeDoubleArgument))
}

func TestRegistryRejectsBadBindings(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("untyped", func(map[string]any) (Action, error) {
		return Action{Bindings: []Binding{{
			Transition: "conf", Phase: PhasePre,
			Params:   []fsm.Argument{{Name: "x", Type: "complex"}},
			Callback: func(_ context.Context, in Payload, _ *Context, _ Args) (Payload, error) { return in, nil },
		}}}, nil
	}))
	_, err := r.Build("untyped", nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeUnhandledArgumentType))
	assert.Contains(t, runcontrol.ErrorMessage(err), "untyped.pre_conf")

	assert.Error(t, r.Register("UNTYPED", func(map[string]any) (Action, error) { return Action{}, nil }))
}

func TestRunNumberAction(t *testing.T) {
	set, err := Build(fsm.Config{PreTransitions: map[string][]fsm.CallbackConfig{
		"start": {{Action: UserProvidedRunNumber}},
	}}, nil, nil)
	require.NoError(t, err)

	params := set.Arguments()["start"]
	require.Len(t, params, 4)
	assert.Equal(t, "run_number", params[0].Name)
	assert.True(t, params[0].Mandatory)

	out, err := set.Pre("start").Execute(context.Background(), "", Args{
		"run_number": int64(12), "run_type": "prod", "trigger_rate": 2.5, "disable_data_storage": true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), out["run"])
	assert.Equal(t, "PROD", out["production_vs_test"])
	assert.Equal(t, 2.5, out["trigger_rate"])
	assert.Equal(t, true, out["disable_data_storage"])

	_, err = set.Pre("start").Execute(context.Background(), "", Args{"run_number": int64(1), "run_type": "dev"}, nil)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeActionFailed))
}

func TestFileLogbookAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logbook.txt")
	set, err := Build(fsm.Config{
		PostTransitions: map[string][]fsm.CallbackConfig{
			"start": {{Action: FileLogbook}},
		},
		Actions: map[string]map[string]any{FileLogbook: {"path": path}},
	}, nil, nil)
	require.NoError(t, err)

	_, err = set.Post("start").Execute(context.Background(), `{"run":7}`, Args{"logbook_message": "beam on"},
		&Context{Node: "root", Session: "s1"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "s1/root run 7 started: beam on")
}

func TestFileLogbookNeedsPath(t *testing.T) {
	_, err := Build(fsm.Config{PostTransitions: map[string][]fsm.CallbackConfig{
		"start": {{Action: FileLogbook}},
	}}, nil, nil)
	assert.Error(t, err)
}
