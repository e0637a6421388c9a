package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is a Worker's position in the lifecycle state machine:
// Registering -> Idle -> Busy -> Idle (loop) -> Failed -> Removed.
type State string

const (
	StateRegistering State = "registering"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateFailed       State = "failed"
	StateRemoved      State = "removed"
)

// Worker is the coordinator's record of a registered worker. A worker
// in Busy state has exactly one assignment; a worker in Failed state holds
// none — both are enforced by Registry's methods, not left to callers.
type Worker struct {
	ID            string
	Capabilities  []string
	State         State
	LastHeartbeat time.Time
	Assignment    string // ActionId, empty if none
	LoadStats     LoadStats
	conn          connHandle
}

// connHandle abstracts the live connection used to push assignments,
// letting Registry stay decoupled from net.Conn for testability.
type connHandle interface {
	Send(*Message) error
}

// Registry owns the worker map behind a single RWMutex: operations are
// O(workers), and the worker count is bounded, so a single mutex over a
// plain map beats a sharded or lock-free structure here.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Register admits a worker (new or re-registering after Failed) into Idle
// state.
func (r *Registry) Register(id string, capabilities []string, conn connHandle) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &Worker{ID: id, Capabilities: capabilities, State: StateIdle, LastHeartbeat: time.Now(), conn: conn}
	r.workers[id] = w
	return w
}

// Heartbeat refreshes a worker's liveness timestamp and load stats.
func (r *Registry) Heartbeat(id string, stats LoadStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("coordinator: heartbeat from unknown worker %s", id)
	}
	w.LastHeartbeat = time.Now()
	w.LoadStats = stats
	return nil
}

// Assign transitions a worker to Busy with the given ActionId.
func (r *Registry) Assign(id, actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("coordinator: assigning to unknown worker %s", id)
	}
	w.State = StateBusy
	w.Assignment = actionID
	return nil
}

// Complete transitions a worker back to Idle, clearing its assignment.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.State = StateIdle
		w.Assignment = ""
	}
}

// MarkFailed transitions a worker to Failed and returns the ActionId it was
// holding, if any, so the caller can reassign it.
// A Failed worker holds no assignments, so Assignment is cleared here.
func (r *Registry) MarkFailed(id string) (reassign string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ""
	}
	reassign = w.Assignment
	w.State = StateFailed
	w.Assignment = ""
	return reassign
}

// SweepExpired marks every worker whose heartbeat is older than timeout as
// Failed, returning the set of ActionIds that need reassignment.
func (r *Registry) SweepExpired(timeout time.Duration) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	reassign := make(map[string]string)
	now := time.Now()
	for id, w := range r.workers {
		if w.State == StateFailed || w.State == StateRemoved {
			continue
		}
		if now.Sub(w.LastHeartbeat) > timeout {
			if w.Assignment != "" {
				reassign[id] = w.Assignment
			}
			w.State = StateFailed
			w.Assignment = ""
		}
	}
	return reassign
}

// Remove deletes a worker entirely (operator-initiated decommission).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.State = StateRemoved
	}
	delete(r.workers, id)
}

// SelectWorker picks, among Idle workers whose capability set is a superset
// of required, the one with the lowest current load, tie-breaking by
// least-recently-assigned (oldest LastHeartbeat among equally-loaded
// candidates, approximating "least recently assigned" since assignment
// time isn't separately tracked). Returns "" if none match.
func (r *Registry) SelectWorker(required []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Worker
	for _, w := range r.workers {
		if w.State != StateIdle {
			continue
		}
		if hasAllCapabilities(w.Capabilities, required) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LoadStats.QueueDepth != candidates[j].LoadStats.QueueDepth {
			return candidates[i].LoadStats.QueueDepth < candidates[j].LoadStats.QueueDepth
		}
		return candidates[i].LastHeartbeat.Before(candidates[j].LastHeartbeat)
	})
	return candidates[0].ID
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

// Get returns a copy of the worker record for id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// List returns a snapshot of every worker.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

func (r *Registry) conn(id string) (connHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok || w.conn == nil {
		return nil, false
	}
	return w.conn, true
}
