package runtime

import (
	"context"

	"github.com/cloudhutch/hutch/pkg/types"
)

// Runtime is the thin boundary to the container engine. Every call is
// fallible and possibly slow; callers bound them with context deadlines and
// re-Inspect before declaring any transition complete, rather than trusting
// a call's synchronous return.
type Runtime interface {
	// Create pulls the image if needed and creates a stopped container,
	// returning the engine's handle.
	Create(ctx context.Context, spec types.ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	// Remove deletes the container. Removing a container that no longer
	// exists is not an error; destroy retries depend on that.
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (types.ContainerStatus, error)
	Stats(ctx context.Context, containerID string) (types.ContainerStats, error)
	// List returns the handles of all containers in the platform namespace,
	// used for drift detection at startup.
	List(ctx context.Context) ([]string, error)
	Close() error
}
