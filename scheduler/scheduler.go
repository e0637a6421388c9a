// Package scheduler implements the concurrent execution scheduler: a
// work-stealing pool of worker goroutines, priority-ordered per-worker
// deques, cancellation with transitive descendant suppression, retry with
// exponential backoff and jitter, and opt-in checkpoint/resume. Each worker
// owns a queue drained by a loop selecting between a stop channel and the
// next unit of work; idle workers steal from the most-loaded peer's deque
// instead of blocking on a single shared queue.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"forge.build/action"
)

// Executor runs one dispatched action to completion. The scheduler is
// agnostic to what an Executor actually does (shell command, cache lookup,
// remote dispatch); handler.Registry.Build and cache.Store.ExecuteOnce
// compose to form the Executor used in production.
type Executor func(ctx context.Context, a *action.Action) (action.Result, error)

// FailureMode selects fail-fast vs keep-going semantics.
type FailureMode int

const (
	FailFast FailureMode = iota
	KeepGoing
)

// Config controls Pool construction.
type Config struct {
	Workers     int // 0 means auto = runtime.NumCPU()
	Mode        FailureMode
	StealSample int // number of random victims sampled per steal attempt
	Logger      *logrus.Entry
}

// Handle is returned by Submit and resolves when the action terminates.
type Handle struct {
	ActionID string
	done     chan action.Result
	once     sync.Once
	cancel   atomic.Bool
}

func newHandle(actionID string) *Handle {
	return &Handle{ActionID: actionID, done: make(chan action.Result, 1)}
}

func (h *Handle) resolve(r action.Result) {
	h.once.Do(func() { h.done <- r })
}

// Cancelled reports whether Cancel has been called on this handle.
func (h *Handle) Cancelled() bool { return h.cancel.Load() }

type dispatchable struct {
	action  *action.Action
	handle  *Handle
	attempt int
	exec    Executor
	blocked bool // descendant of a failed/cancelled action; never actually run
}

// Pool is the work-stealing scheduler.
type Pool struct {
	cfg     Config
	deques  []*deque
	workerN int

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	failed     atomic.Bool // set once a non-retryable failure occurs in FailFast mode
	blockedIDs map[string]bool
	next       atomic.Uint64 // round-robin counter for initial placement

	log *logrus.Entry
}

// New constructs a Pool and starts its worker goroutines. Callers must call
// Stop when done.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.StealSample <= 0 {
		cfg.StealSample = 2
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	p := &Pool{
		cfg:        cfg,
		deques:     make([]*deque, cfg.Workers),
		workerN:    cfg.Workers,
		stopCh:     make(chan struct{}),
		blockedIDs: make(map[string]bool),
		log:        log,
	}
	for i := range p.deques {
		p.deques[i] = newDeque()
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.workerLoop(i)
	}
	return p
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Submit places a for execution via exec, returning immediately with a
// Handle that resolves on completion. dependsOnBlocked marks the action as
// a descendant of something that already failed or was cancelled, so it
// never actually dispatches and resolves as Cancelled.
func (p *Pool) Submit(ctx context.Context, a *action.Action, exec Executor, dependsOnBlocked bool) *Handle {
	h := newHandle(a.ID)

	if dependsOnBlocked || (p.cfg.Mode == FailFast && p.failed.Load()) {
		h.resolve(action.Result{ActionID: a.ID, Outcome: action.Cancelled})
		return h
	}

	d := &dispatchable{action: a, handle: h, exec: exec}
	owner := int(p.next.Add(1)) % p.workerN
	p.deques[owner].pushHead(&item{a: d, priority: a.Priority})
	return h
}

// Await blocks until h resolves or deadline passes (zero deadline means no
// timeout).
func (p *Pool) Await(ctx context.Context, h *Handle, deadline time.Duration) (action.Result, error) {
	var timeout <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-h.done:
		h.done <- r // allow repeated Await calls to observe the same result
		return r, nil
	case <-timeout:
		return action.Result{}, fmt.Errorf("scheduler: await deadline exceeded for action %s", h.ActionID)
	case <-ctx.Done():
		return action.Result{}, ctx.Err()
	}
}

// Cancel marks h's action cancelled. A cancelled in-flight action's
// Executor is responsible for honoring ctx; Cancel only flips the flag and
// marks the id so descendants submitted afterward are blocked.
func (p *Pool) Cancel(h *Handle) {
	h.cancel.Store(true)
	p.mu.Lock()
	p.blockedIDs[h.ActionID] = true
	p.mu.Unlock()
}

// IsBlocked reports whether id itself has been marked blocked (cancelled,
// failed, or, within RunGraph, a target that did not succeed); ancestors are
// not consulted. Used by callers deciding whether to Submit a dependent at
// all.
func (p *Pool) IsBlocked(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockedIDs[id]
}

func (p *Pool) markBlocked(id string) {
	p.mu.Lock()
	p.blockedIDs[id] = true
	p.mu.Unlock()
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	own := p.deques[id]

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		it := own.popHead()
		if it == nil {
			it = p.steal(id)
		}
		if it == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		p.runOne(it.a)
	}
}

// steal samples cfg.StealSample random victims (excluding self), preferring
// the most-loaded, and takes from its tail with a non-blocking trylock so a
// contended victim is simply skipped this round.
func (p *Pool) steal(self int) *item {
	if p.workerN <= 1 {
		return nil
	}
	bestIdx, bestLen := -1, 0
	for s := 0; s < p.cfg.StealSample; s++ {
		v := rand.Intn(p.workerN)
		if v == self {
			continue
		}
		if l := p.deques[v].len(); l > bestLen || (l == bestLen && v < bestIdx) {
			bestIdx, bestLen = v, l
		}
	}
	if bestIdx < 0 || bestLen == 0 {
		return nil
	}
	return p.deques[bestIdx].popTail()
}

func (p *Pool) runOne(d *dispatchable) {
	log := p.log.WithField("action_id", d.action.ID)

	if d.handle.Cancelled() || p.IsBlocked(d.action.ID) {
		d.handle.resolve(action.Result{ActionID: d.action.ID, Outcome: action.Cancelled})
		return
	}

	policy := d.action.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = action.DefaultRetryPolicy()
	}

	var result action.Result
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		d.attempt = attempt

		ctx := context.Background()
		if d.action.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.action.Timeout)
			defer cancel()
		}

		r, err := d.exec(ctx, d.action)
		r.ActionID = d.action.ID
		r.Attempt = attempt
		if err != nil {
			log.WithError(err).Warn("action execution returned an error")
			r.Outcome = action.Failed
		}

		if r.Outcome == action.Success || r.Outcome == action.Cancelled {
			result = r
			break
		}

		if r.Outcome != action.Retryable && r.Outcome != action.Timeout {
			// Non-retryable failure.
			result = r
			if p.cfg.Mode == FailFast {
				p.failed.Store(true)
			}
			p.markBlocked(d.action.ID)
			break
		}

		result = r
		if attempt == policy.MaxAttempts {
			p.markBlocked(d.action.ID)
			break
		}

		backoff := backoffWithJitter(policy, attempt)
		log.WithField("attempt", attempt).WithField("backoff", backoff).Info("retrying action")
		time.Sleep(backoff)
	}

	d.handle.resolve(result)
}

// backoffWithJitter computes exponential backoff with full jitter, capped
// at policy.MaxDelay.
func backoffWithJitter(policy action.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// LoadScore reports the number of items queued in a worker's deque.
func (p *Pool) LoadScore(worker int) int {
	return p.deques[worker].len()
}

// WorkerCount returns the configured worker count.
func (p *Pool) WorkerCount() int { return p.workerN }
