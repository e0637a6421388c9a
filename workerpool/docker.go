package workerpool

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerProvider provisions workers as long-lived containers, for CI
// environments where a full VM is unnecessary isolation.
type DockerProvider struct {
	cli     *client.Client
	network string
}

func NewDockerProvider(network string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("workerpool: creating docker client: %w", err)
	}
	return &DockerProvider{cli: cli, network: network}, nil
}

func (d *DockerProvider) Name() string { return "docker" }

func (d *DockerProvider) Provision(ctx context.Context, spec Spec) (WorkerID, error) {
	image := spec.Image
	if image == "" {
		image = "forge-worker:latest"
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"forge", "worker", "run"},
		Labels: map[string]string{
			"forge.build/capabilities": joinCapabilities(spec.Capabilities),
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores) * 1_000_000_000,
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("workerpool: creating container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("workerpool: starting container %s: %w", resp.ID, err)
	}

	return WorkerID(resp.ID), nil
}

func (d *DockerProvider) Decommission(ctx context.Context, id WorkerID) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, string(id), container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("workerpool: stopping container %s: %w", id, err)
	}
	return d.cli.ContainerRemove(ctx, string(id), container.RemoveOptions{Force: true})
}

func joinCapabilities(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
