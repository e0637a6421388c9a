// Package shellhandler is the reference Handler implementation: it treats a
// Target's opaque config as a single shell command template and runs it via
// sandbox.ProcessRunner. It exists so the scheduler, cache, and coordinator
// have a real, working handler to exercise in tests without depending on
// any actual language toolchain, adapted from the command-execution shape
// of executor package.
package shellhandler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forge.build/action"
	"forge.build/handler"
	"forge.build/sandbox"
	"forge.build/target"
)

const Language target.Language = "shell"

// Handler runs target.Config["command"] as a command vector, splitting on
// whitespace (no shell metacharacter interpretation — commands are exec'd
// directly, not through /bin/sh, so this is safe against injection from
// workspace-controlled strings).
type Handler struct {
	Runner sandbox.Runner
}

// New returns a Handler backed by a fresh sandbox.ProcessRunner.
func New() *Handler {
	return &Handler{Runner: sandbox.NewProcessRunner()}
}

func (h *Handler) Name() string { return "shell" }

func (h *Handler) Build(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
	command := strings.Fields(t.Config["command"])
	if len(command) == 0 {
		return action.Result{}, fmt.Errorf("shellhandler: target %s has no command", t.ID)
	}

	outputs, err := h.GetOutputs(t, ws)
	if err != nil {
		return action.Result{}, err
	}

	scratch := filepath.Join(ws.Options.OutputDir, ".scratch", t.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return action.Result{}, fmt.Errorf("shellhandler: creating scratch dir: %w", err)
	}

	spec := sandbox.Spec{
		ScratchDir:   scratch,
		Network:      sandbox.NetworkOff,
		EnvAllowlist: []string{"PATH", "HOME"},
	}

	start := time.Now()
	execRes, err := h.Runner.Run(ctx, spec, command, envMap(), outputs)
	if err != nil {
		return action.Result{}, fmt.Errorf("shellhandler: running %s: %w", t.ID, err)
	}

	outcome := action.Success
	var execErr *action.ExecError
	if execRes.ExitCode != 0 {
		outcome = action.Failed
		execErr = &action.ExecError{
			Message: fmt.Sprintf("command exited with status %d", execRes.ExitCode),
			Code:    "tool_failure",
		}
	}

	return action.Result{
		Outcome:   outcome,
		Stdout:    execRes.Stdout,
		Stderr:    execRes.Stderr,
		ExitCode:  execRes.ExitCode,
		StartTime: start,
		EndTime:   start.Add(execRes.Duration),
		Duration:  execRes.Duration,
		Err:       execErr,
	}, nil
}

func envMap() map[string]string {
	return map[string]string{"PATH": os.Getenv("PATH"), "HOME": os.Getenv("HOME")}
}

func (h *Handler) GetOutputs(t target.Target, ws target.WorkspaceConfig) ([]string, error) {
	if t.OutputPath != "" {
		return []string{t.OutputPath}, nil
	}
	return []string{filepath.Join(ws.Options.OutputDir, t.ID)}, nil
}

// NeedsRebuild defaults to "any declared output missing".
func (h *Handler) NeedsRebuild(t target.Target, ws target.WorkspaceConfig) (bool, error) {
	outputs, err := h.GetOutputs(t, ws)
	if err != nil {
		return true, err
	}
	for _, out := range outputs {
		if _, err := os.Stat(out); os.IsNotExist(err) {
			return true, nil
		}
	}
	return false, nil
}

// AnalyzeImports is a no-op for shell targets: there is no import syntax to
// parse.
func (h *Handler) AnalyzeImports(sources []string) ([]handler.Import, error) {
	return nil, nil
}

var _ handler.Handler = (*Handler)(nil)
