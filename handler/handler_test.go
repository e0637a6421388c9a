package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.build/action"
	"forge.build/target"
)

type stubHandler struct {
	name    string
	buildFn func(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error)
}

func (s *stubHandler) Name() string { return s.name }
func (s *stubHandler) Build(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
	return s.buildFn(ctx, t, ws)
}
func (s *stubHandler) GetOutputs(t target.Target, ws target.WorkspaceConfig) ([]string, error) {
	return nil, nil
}
func (s *stubHandler) NeedsRebuild(t target.Target, ws target.WorkspaceConfig) (bool, error) {
	return false, nil
}
func (s *stubHandler) AnalyzeImports(sources []string) ([]Import, error) { return nil, nil }

func TestRegistry_LookupReturnsErrorForUnregisteredLanguage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nonexistent")
	assert.Error(t, err)
}

func TestRegistry_RegisterThenLookupReturnsSameHandler(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{name: "stub"}
	r.Register("shell", h)

	got, err := r.Lookup("shell")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestRegistry_RegisterTwiceReplacesHandler(t *testing.T) {
	r := NewRegistry()
	first := &stubHandler{name: "first"}
	second := &stubHandler{name: "second"}
	r.Register("shell", first)
	r.Register("shell", second)

	got, err := r.Lookup("shell")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistry_BuildWrapsHandlerErrorWithTargetID(t *testing.T) {
	r := NewRegistry()
	r.Register("shell", &stubHandler{
		name: "shell",
		buildFn: func(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
			return action.Result{}, assert.AnError
		},
	})

	_, err := r.Build(context.Background(), target.Target{ID: "mytarget", Language: "shell"}, target.WorkspaceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mytarget")
}

func TestRegistry_BuildReturnsErrorForUnregisteredLanguage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(context.Background(), target.Target{ID: "t", Language: "unknown"}, target.WorkspaceConfig{})
	assert.Error(t, err)
}

func TestCachingDecorator_RecordsSubActionOnBuild(t *testing.T) {
	inner := &stubHandler{
		name: "inner",
		buildFn: func(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
			return action.Result{Outcome: action.Success}, nil
		},
	}

	var recorded []action.Action
	decorator := &CachingDecorator{
		Handler: inner,
		Recorder: recorderFunc(func(a action.Action, r action.Result) {
			recorded = append(recorded, a)
		}),
	}

	res, err := decorator.Build(context.Background(), target.Target{ID: "t1"}, target.WorkspaceConfig{})
	require.NoError(t, err)
	assert.Equal(t, action.Success, res.Outcome)
	require.Len(t, recorded, 1)
	assert.Equal(t, "t1", recorded[0].TargetID)
}

type recorderFunc func(a action.Action, r action.Result)

func (f recorderFunc) RecordSubAction(a action.Action, r action.Result) { f(a, r) }
