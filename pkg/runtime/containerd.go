package runtime

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	statsv1 "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Hutch containers.
	DefaultNamespace = "hutch"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopTimeout is how long a container gets to exit on SIGTERM before
	// SIGKILL.
	stopTimeout = 10 * time.Second

	labelProject = "dev.hutch.project"
	labelAddr    = "dev.hutch.addr"
	labelPort    = "dev.hutch.port"
)

// ContainerdRuntime implements Runtime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to containerd at socketPath.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Create pulls the image if it is not present, then creates the container.
// The container's network address is recorded as labels so Inspect can
// report it without the adapter keeping state.
func (r *ContainerdRuntime) Create(ctx context.Context, spec types.ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
		}
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	labels := map[string]string{
		labelProject: spec.ProjectID,
		labelAddr:    "127.0.0.1",
		labelPort:    strconv.Itoa(spec.Port),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := append([]string{fmt.Sprintf("PORT=%d", spec.Port)}, spec.Env...)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		// Host networking: the proxy reaches project containers on
		// loopback ports, no CNI wiring involved.
		oci.WithHostNamespace(specs.NetworkNamespace),
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// Start creates and starts the container's task.
func (r *ContainerdRuntime) Start(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop sends SIGTERM, waits up to stopTimeout, then SIGKILLs, and deletes
// the task. A container with no task is already stopped.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove deletes the container and its snapshot. A missing container is
// treated as already removed so destroy retries stay idempotent.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if err := r.Stop(ctx, containerID); err != nil {
		// Continue with deletion; the task may be gone already.
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).
			Str("container_id", containerID).
			Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Inspect reports the container's run state and recorded address.
func (r *ContainerdRuntime) Inspect(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ContainerStatus{}, fmt.Errorf("%w: container %s", types.ErrNotFound, containerID)
		}
		return types.ContainerStatus{}, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	cs := types.ContainerStatus{ID: containerID}

	labels, err := container.Labels(ctx)
	if err == nil {
		cs.Addr = labels[labelAddr]
		if p, perr := strconv.Atoi(labels[labelPort]); perr == nil {
			cs.Port = p
		}
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: created or stopped, either way not running.
		return cs, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return cs, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		cs.Running = true
	case containerd.Stopped:
		cs.ExitCode = int(status.ExitStatus)
	}

	return cs, nil
}

// Stats samples the container's cgroup metrics.
func (r *ContainerdRuntime) Stats(ctx context.Context, containerID string) (types.ContainerStats, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.ContainerStats{}, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.ContainerStats{}, fmt.Errorf("container %s has no task: %w", containerID, err)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return types.ContainerStats{}, fmt.Errorf("failed to read metrics: %w", err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return types.ContainerStats{}, fmt.Errorf("failed to decode metrics: %w", err)
	}

	stats := types.ContainerStats{SampledAt: time.Now()}
	if m, ok := data.(*statsv1.Metrics); ok {
		if m.CPU != nil && m.CPU.Usage != nil {
			stats.CPUNanos = m.CPU.Usage.Total
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			stats.MemoryBytes = m.Memory.Usage.Usage
		}
	}

	return stats, nil
}

// List returns all container IDs in the platform namespace.
func (r *ContainerdRuntime) List(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}
