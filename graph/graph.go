// Package graph builds the typed DAG of Nodes from a parsed workspace,
// computes content fingerprints bottom-up, and groups nodes into waves for
// the scheduler. Cycle detection is a DFS-plus-recursion-stack walk; wave
// computation is Kahn's algorithm over the same adjacency.
package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"forge.build/internal/codec"
	"forge.build/internal/forgecrypto"
	"forge.build/target"
)

// Node wraps a Target with graph bookkeeping: dependency and dependent ids,
// a cached fingerprint, and an optional cached result pointer.
type Node struct {
	Target       target.Target
	DependsOn    []string // dependency Target ids
	DependedBy   []string // back-edges, populated after the whole graph is built
	Fingerprint  forgecrypto.Digest
	HasCache     bool // true once a CacheEntry pointer has been attached by the cache layer
}

// Graph is the immutable DAG produced by Build. Concurrent readers require
// no lock once construction returns.
type Graph struct {
	nodes map[string]*Node
	waves [][]string // each wave is a list of Target ids with no unresolved dependency within it
}

// CycleError names every node id participating in the detected cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected in action graph: %s", strings.Join(e.Path, " -> "))
}

// ToolchainResolver answers "what toolchain identifier applies to this
// language", consulted while fingerprinting so a toolchain upgrade
// invalidates every node that used it. The core treats the registry as an
// injected dependency rather than a singleton.
type ToolchainResolver interface {
	ToolchainID(lang target.Language) (string, error)
}

// SourceHasher resolves a source path (file or expanded glob member) to its
// content digest. The CLI's implementation hashes the whole file with
// forgecrypto.Hash; no chunking is done.
type SourceHasher interface {
	HashSource(path string) (forgecrypto.Digest, error)
}

// Build constructs a Graph from ws, resolving toolchains via resolver and
// source content via hasher. It detects cycles before computing any
// fingerprint, matching the invariant that cycle detection is a hard
// parse-time failure independent of fingerprinting.
func Build(ws target.WorkspaceConfig, resolver ToolchainResolver, hasher SourceHasher) (*Graph, error) {
	index, dupes := target.ByID(ws.Targets)
	if len(dupes) > 0 {
		return nil, fmt.Errorf("graph: duplicate target identifiers: %s", strings.Join(dupes, ", "))
	}

	nodes := make(map[string]*Node, len(index))
	for id, t := range index {
		for _, dep := range t.Deps {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("graph: target %s depends on unknown target %s", id, dep)
			}
		}
		nodes[id] = &Node{Target: *t, DependsOn: append([]string(nil), t.Deps...)}
	}

	if path, ok := detectCycle(nodes); ok {
		return nil, &CycleError{Path: path}
	}

	for id, n := range nodes {
		for _, dep := range n.DependsOn {
			nodes[dep].DependedBy = append(nodes[dep].DependedBy, id)
		}
	}

	waves, err := computeWaves(nodes)
	if err != nil {
		return nil, err
	}

	g := &Graph{nodes: nodes, waves: waves}
	if err := g.fingerprintAll(resolver, hasher); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycle runs DFS with a recursion stack over every node, returning
// the first cycle path found.
func detectCycle(nodes map[string]*Node) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				// Found the back-edge; slice the stack from dep's position.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep), true
					}
				}
			case white:
				if path, found := visit(dep); found {
					return path, true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	ids := sortedIDs(nodes)
	for _, id := range ids {
		if color[id] == white {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}

// computeWaves runs Kahn's algorithm: repeatedly peel off nodes with
// zero remaining in-degree into the next wave.
func computeWaves(nodes map[string]*Node) ([][]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.DependsOn)
	}

	remaining := len(nodes)
	var waves [][]string

	for remaining > 0 {
		var wave []string
		for id, deg := range inDegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("graph: circular dependency detected in action graph")
		}
		sort.Strings(wave)
		waves = append(waves, wave)

		for _, id := range wave {
			delete(inDegree, id)
			for _, dependent := range nodes[id].DependedBy {
				inDegree[dependent]--
			}
		}
		remaining -= len(wave)
	}

	return waves, nil
}

func sortedIDs(nodes map[string]*Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fingerprintAll computes every node's content fingerprint bottom-up (wave
// order already guarantees dependencies are visited first).
func (g *Graph) fingerprintAll(resolver ToolchainResolver, hasher SourceHasher) error {
	for _, wave := range g.waves {
		for _, id := range wave {
			n := g.nodes[id]
			fp, err := g.fingerprintNode(n, resolver, hasher)
			if err != nil {
				return err
			}
			n.Fingerprint = fp
		}
	}
	return nil
}

func (g *Graph) fingerprintNode(n *Node, resolver ToolchainResolver, hasher SourceHasher) (forgecrypto.Digest, error) {
	toolchain, err := resolver.ToolchainID(n.Target.Language)
	if err != nil {
		return forgecrypto.Digest{}, fmt.Errorf("graph: resolving toolchain for %s: %w", n.Target.ID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id=%s;lang=%s;kind=%s;toolchain=%s;schema=1;", n.Target.ID, n.Target.Language, n.Target.Kind, toolchain)

	sources := append([]string(nil), n.Target.Sources...)
	sort.Strings(sources)
	for _, src := range sources {
		h, err := hasher.HashSource(src)
		if err != nil {
			return forgecrypto.Digest{}, fmt.Errorf("graph: hashing source %s: %w", src, err)
		}
		fmt.Fprintf(&b, "src=%s:%s;", src, h.String())
	}

	deps := append([]string(nil), n.DependsOn...)
	sort.Strings(deps)
	for _, dep := range deps {
		fmt.Fprintf(&b, "dep=%s:%s;", dep, g.nodes[dep].Fingerprint.String())
	}

	configKeys := make([]string, 0, len(n.Target.Config))
	for k := range n.Target.Config {
		configKeys = append(configKeys, k)
	}
	sort.Strings(configKeys)
	for _, k := range configKeys {
		fmt.Fprintf(&b, "cfg=%s:%s;", k, n.Target.Config[k])
	}

	return forgecrypto.Hash([]byte(b.String())), nil
}

// NodesInWave returns the node ids in wave i, or nil if i is out of range.
func (g *Graph) NodesInWave(i int) []string {
	if i < 0 || i >= len(g.waves) {
		return nil
	}
	return g.waves[i]
}

// WaveCount returns the number of waves.
func (g *Graph) WaveCount() int { return len(g.waves) }

// Fingerprint returns the computed fingerprint for a node id.
func (g *Graph) Fingerprint(id string) (forgecrypto.Digest, error) {
	n, ok := g.nodes[id]
	if !ok {
		return forgecrypto.Digest{}, fmt.Errorf("graph: unknown target %s", id)
	}
	return n.Fingerprint, nil
}

// Dependents returns the ids of nodes that directly depend on id, used for
// incremental change propagation.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.DependedBy...)
}

// Node returns the Node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// AffectedByChanges walks from each changed file to its direct consumers
// and then to every transitive dependent, returning the rebuild frontier.
// reverseIndex maps a source file path to the target ids that declare it
// as a source.
func (g *Graph) AffectedByChanges(changedFiles []string, reverseIndex map[string][]string) map[string]bool {
	affected := make(map[string]bool)
	var queue []string
	for _, f := range changedFiles {
		queue = append(queue, reverseIndex[f]...)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if affected[id] {
			continue
		}
		affected[id] = true
		queue = append(queue, g.Dependents(id)...)
	}
	return affected
}

// DependencyIndex is the persisted file->node reverse index used by
// AffectedByChanges across runs.
type DependencyIndex struct {
	// SourceToTargets maps a source file path to the target ids that
	// declare it.
	SourceToTargets map[string][]string
}

// SaveDependencyIndex persists idx to the versioned binary schema.
func SaveDependencyIndex(w io.Writer, idx DependencyIndex) error {
	return codec.Encode(w, codec.TypeDependencyIndex, idx)
}

// LoadDependencyIndex reads a DependencyIndex previously written by
// SaveDependencyIndex. A major-version mismatch is treated as "no index"
// (the caller should fall back to a full rebuild), not a hard error.
func LoadDependencyIndex(r io.Reader) (*DependencyIndex, error) {
	var idx DependencyIndex
	if err := codec.Decode(r, codec.TypeDependencyIndex, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}
