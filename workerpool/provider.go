// Package workerpool sits between the coordinator's scheduling decisions
// and actual compute resources: it tracks pool occupancy, runs an
// autoscaling loop, and delegates machine lifecycle to a pluggable
// CloudProvider. Azure is a documented future target; the provider set
// implemented here is Mock, Libvirt (KVM), Docker, and Kubernetes.
package workerpool

import "context"

// WorkerID identifies a provisioned compute resource, independent of the
// coordinator's own Worker record (a provisioned machine still has to
// register with the coordinator before it can receive assignments).
type WorkerID string

// Spec describes what to provision: resource tier and capability tags the
// coordinator will later match against when selecting a worker.
type Spec struct {
	Capabilities []string
	CPUCores     int
	MemoryMB     int
	Image        string // provider-specific: VM image name, container image ref, or pod image
}

// CloudProvider hides cloud specifics behind two operations; the
// provisioner knows nothing else about any given backend.
type CloudProvider interface {
	Provision(ctx context.Context, spec Spec) (WorkerID, error)
	Decommission(ctx context.Context, id WorkerID) error
	Name() string
}

// Provisioner is the single-responsibility object the pool drives; it adds
// no policy of its own beyond delegating to the configured CloudProvider.
type Provisioner struct {
	provider CloudProvider
}

func NewProvisioner(provider CloudProvider) *Provisioner {
	return &Provisioner{provider: provider}
}

func (p *Provisioner) Provision(ctx context.Context, spec Spec) (WorkerID, error) {
	return p.provider.Provision(ctx, spec)
}

func (p *Provisioner) Decommission(ctx context.Context, id WorkerID) error {
	return p.provider.Decommission(ctx, id)
}

func (p *Provisioner) ProviderName() string { return p.provider.Name() }
