package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"forge.build/action"
	"forge.build/cache"
	"forge.build/graph"
	"forge.build/handler"
	"forge.build/internal/codec"
	"forge.build/target"
)

// Checkpoint lists completed ActionIds and the wave index reached, written
// periodically and consulted on startup.
type Checkpoint struct {
	GraphFingerprint string
	CompletedWave    int
	CompletedIDs     map[string]bool
}

// ActionBuilder turns a graph Node plus a cache lookup outcome into an
// Action and an Executor, the glue between the graph/cache/handler layers
// and the generic Pool.
type ActionBuilder struct {
	Cache    *cache.Store
	Registry *handler.Registry
	WS       target.WorkspaceConfig
}

// Build constructs the action.Action for node n and an Executor that first
// consults the cache (single-flight) before falling back to the handler
// registry.
func (b *ActionBuilder) Build(n *graph.Node) (*action.Action, Executor) {
	a := &action.Action{
		TargetID: n.Target.ID,
		Command:  []string{n.Target.Config["command"]},
		Env:      map[string]string{},
	}
	a.ID = n.Fingerprint.String()

	exec := func(ctx context.Context, a *action.Action) (action.Result, error) {
		if b.Cache != nil {
			if entry, status, _ := b.Cache.Lookup(a.ID); status == cache.Hit {
				destDir := b.WS.Options.OutputDir
				if err := b.Cache.Materialize(entry, destDir); err == nil {
					return action.Result{
						Outcome:  action.Success,
						ExitCode: entry.ExitCode,
						Duration: time.Duration(entry.DurationNanos),
					}, nil
				}
			}
		}

		v, err, _ := b.Cache.ExecuteOnce(a.ID, func() (interface{}, error) {
			return b.Registry.Build(ctx, n.Target, b.WS)
		})
		if err != nil {
			return action.Result{Outcome: action.Failed}, err
		}
		result := v.(action.Result)

		if result.Outcome == action.Success && b.Cache != nil {
			outputs := map[string][]byte{}
			for _, out := range mustOutputs(b.Registry, n.Target, b.WS) {
				if content, readErr := os.ReadFile(out); readErr == nil {
					key := out
					if rel, relErr := filepath.Rel(b.WS.Options.OutputDir, out); relErr == nil {
						key = rel
					}
					outputs[key] = content
				}
			}
			_, _ = b.Cache.StoreResult(a.ID, outputs, result.Stdout, result.Stderr, result.ExitCode, result.Duration)
		}
		return result, nil
	}

	return a, exec
}

func mustOutputs(reg *handler.Registry, t target.Target, ws target.WorkspaceConfig) []string {
	h, err := reg.Lookup(t.Language)
	if err != nil {
		return nil
	}
	outs, err := h.GetOutputs(t, ws)
	if err != nil {
		return nil
	}
	return outs
}

// RunGraph drives g wave by wave through pool: each wave's nodes are
// submitted together, and the scheduler waits for the whole wave before
// submitting the next (dependencies across waves are already satisfied by
// wave order; nodes within a wave are independent by construction).
// checkpointPath, if non-empty, is consulted on entry (skip completed
// waves) and updated after every wave (opt-in checkpoint/resume).
func RunGraph(ctx context.Context, pool *Pool, g *graph.Graph, builder *ActionBuilder, graphFingerprint, checkpointPath string, log *logrus.Entry) error {
	completed := make(map[string]bool)
	startWave := 0

	if checkpointPath != "" {
		if cp, err := loadCheckpoint(checkpointPath); err == nil && cp.GraphFingerprint == graphFingerprint {
			completed = cp.CompletedIDs
			startWave = cp.CompletedWave
			log.WithField("wave", startWave).Info("resuming from checkpoint")
		}
	}

	for w := startWave; w < g.WaveCount(); w++ {
		ids := g.NodesInWave(w)
		handles := make(map[string]*Handle, len(ids))

		for _, id := range ids {
			if completed[id] {
				continue
			}
			n, _ := g.Node(id)
			blocked := anyDependencyBlocked(pool, n)
			a, exec := builder.Build(n)
			handles[id] = pool.Submit(ctx, a, exec, blocked)
		}

		for id, h := range handles {
			res, err := pool.Await(ctx, h, 0)
			if err != nil {
				return fmt.Errorf("scheduler: waiting on %s: %w", id, err)
			}
			if res.Outcome == action.Success {
				completed[id] = true
			} else {
				pool.markBlocked(id)
			}
		}

		if checkpointPath != "" {
			if err := saveCheckpoint(checkpointPath, Checkpoint{
				GraphFingerprint: graphFingerprint,
				CompletedWave:    w + 1,
				CompletedIDs:     completed,
			}); err != nil {
				log.WithError(err).Warn("failed to write checkpoint")
			}
		}
	}
	return nil
}

func anyDependencyBlocked(pool *Pool, n *graph.Node) bool {
	for _, dep := range n.DependsOn {
		if pool.IsBlocked(dep) {
			return true
		}
	}
	return false
}

func loadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := codec.Decode(bytes.NewReader(data), codec.TypeCheckpoint, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func saveCheckpoint(path string, cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := codec.Encode(&buf, codec.TypeCheckpoint, cp); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
