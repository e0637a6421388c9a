// Package handler defines the language handler interface and the
// registry that dispatches to handlers by language tag. The registry is a
// map keyed by language, holding one handler per language.
package handler

import (
	"context"
	"fmt"
	"sync"

	"forge.build/action"
	"forge.build/target"
)

// Import is one source-level dependency discovered by analyzing a file,
// e.g. an #include or an import statement; used by the graph builder to
// supplement explicit Deps with inferred ones where a handler supports it.
type Import struct {
	Path   string
	Kind   string // "system", "local", "module", etc.; handler-defined
	Line   int
}

// Handler is the narrow interface every language plug-in implements. The
// core calls these through Registry; it never imports a concrete handler
// package, matching the "flatten deep inheritance to one interface" design
// note.
type Handler interface {
	Name() string
	Build(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error)
	GetOutputs(t target.Target, ws target.WorkspaceConfig) ([]string, error)
	NeedsRebuild(t target.Target, ws target.WorkspaceConfig) (bool, error)
	AnalyzeImports(sources []string) ([]Import, error)
}

// Recorder lets a handler optionally surface fine-grained sub-actions
// during Build, so the scheduler can cache at sub-target granularity.
type Recorder interface {
	RecordSubAction(a action.Action, r action.Result)
}

// Registry dispatches by language tag to the Handler registered for that
// language; the most recent registration for a language wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[target.Language]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[target.Language]Handler)}
}

// Register associates lang with h. Registering the same language twice
// replaces the previous handler, matching linear-scan
// registry semantics generalized to a map keyed by the dispatch tag the
// core actually uses (language, not a free-form CanHandle probe).
func (r *Registry) Register(lang target.Language, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[lang] = h
}

// Lookup returns the handler registered for lang.
func (r *Registry) Lookup(lang target.Language) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[lang]
	if !ok {
		return nil, fmt.Errorf("handler: no handler registered for language %q", lang)
	}
	return h, nil
}

// Build dispatches t to its registered handler, wrapping failures with the
// target identifier for error propagation.
func (r *Registry) Build(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
	h, err := r.Lookup(t.Language)
	if err != nil {
		return action.Result{}, err
	}
	res, err := h.Build(ctx, t, ws)
	if err != nil {
		return res, fmt.Errorf("handler %s: building %s: %w", h.Name(), t.ID, err)
	}
	return res, nil
}

// CachingDecorator wraps any Handler to record every sub-action it performs
// via a Recorder callback, replacing "mixin for caching
// handler" with composition.
type CachingDecorator struct {
	Handler
	Recorder Recorder
}

func (d *CachingDecorator) Build(ctx context.Context, t target.Target, ws target.WorkspaceConfig) (action.Result, error) {
	res, err := d.Handler.Build(ctx, t, ws)
	if d.Recorder != nil {
		d.Recorder.RecordSubAction(action.Action{TargetID: t.ID}, res)
	}
	return res, err
}
