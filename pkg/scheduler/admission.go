package scheduler

import (
	"sync"

	"github.com/cloudhutch/hutch/pkg/metrics"
)

// Gate is the admission controller. It tracks two counters: container
// starts currently in flight and containers resident on the host. Both are
// rebuilt from the store on restart, never trusted across a crash.
type Gate struct {
	mu          sync.Mutex
	maxStarts   int
	maxResident int
	starts      int
	resident    int
}

func NewGate(maxStarts, maxResident int) *Gate {
	return &Gate{maxStarts: maxStarts, maxResident: maxResident}
}

// TryAcquire attempts to take a start slot. When needsResident is true the
// task will create a new container, so residency headroom is required too.
// Returns false without blocking when the gate is full.
func (g *Gate) TryAcquire(needsResident bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.starts >= g.maxStarts {
		return false
	}
	if needsResident && g.resident >= g.maxResident {
		return false
	}
	g.starts++
	metrics.StartsInFlight.Set(float64(g.starts))
	return true
}

// Release returns a start slot taken by TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.starts > 0 {
		g.starts--
	}
	metrics.StartsInFlight.Set(float64(g.starts))
}

// ContainerCreated records a new resident container.
func (g *Gate) ContainerCreated() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resident++
	metrics.ContainersResident.Set(float64(g.resident))
}

// ContainerRemoved records a container removed from the host.
func (g *Gate) ContainerRemoved() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resident > 0 {
		g.resident--
	}
	metrics.ContainersResident.Set(float64(g.resident))
}

// SetResident overwrites the residency counter, used when rebuilding state
// from the store at startup.
func (g *Gate) SetResident(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resident = n
	metrics.ContainersResident.Set(float64(g.resident))
}

// Resident returns the current residency count.
func (g *Gate) Resident() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resident
}
