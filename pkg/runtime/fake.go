package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudhutch/hutch/pkg/types"
)

// FakeRuntime is an in-memory Runtime for tests. Failure injection hooks
// let tests exercise the scheduler's retry and drift paths.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// FailCreate, FailStart etc. make the next matching call return an
	// error when non-nil.
	FailCreate error
	FailStart  error
	FailStop   error
	FailRemove error
}

type fakeContainer struct {
	spec    types.ContainerSpec
	running bool
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *FakeRuntime) Close() error { return nil }

func (f *FakeRuntime) Create(ctx context.Context, spec types.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		err := f.FailCreate
		f.FailCreate = nil
		return "", err
	}
	id := "ctr-" + uuid.New().String()[:8]
	f.containers[id] = &fakeContainer{spec: spec}
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		err := f.FailStart
		f.FailStart = nil
		return err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("%w: container %s", types.ErrNotFound, containerID)
	}
	c.running = true
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStop != nil {
		err := f.FailStop
		f.FailStop = nil
		return err
	}
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRemove != nil {
		err := f.FailRemove
		f.FailRemove = nil
		return err
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return types.ContainerStatus{}, fmt.Errorf("%w: container %s", types.ErrNotFound, containerID)
	}
	return types.ContainerStatus{
		ID:      containerID,
		Running: c.running,
		Addr:    "127.0.0.1",
		Port:    c.spec.Port,
	}, nil
}

func (f *FakeRuntime) Stats(ctx context.Context, containerID string) (types.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return types.ContainerStats{}, fmt.Errorf("%w: container %s", types.ErrNotFound, containerID)
	}
	return types.ContainerStats{CPUNanos: 1e6, MemoryBytes: 1 << 20, SampledAt: time.Now()}, nil
}

func (f *FakeRuntime) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

// Spec returns the spec a container was created with, for test assertions.
func (f *FakeRuntime) Spec(containerID string) (types.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return types.ContainerSpec{}, false
	}
	return c.spec, true
}

// Running reports whether the fake considers the container running; a test
// helper, not part of the Runtime interface.
func (f *FakeRuntime) Running(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.running
}
