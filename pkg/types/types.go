package types

import (
	"strings"
	"time"
)

// Project is the tenant unit: one user-supplied service backed by at most
// one live container, reachable under one or more hostnames.
type Project struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	AccountID string            `json:"account_id"`
	State     ProjectState      `json:"state"`
	Image     string            `json:"image"`
	Env       []string          `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`

	// Hostname is the platform-assigned hostname (name.<platform domain>).
	Hostname string `json:"hostname"`
	// CustomDomains are customer-supplied domains attached to this project.
	CustomDomains []string `json:"custom_domains,omitempty"`

	// ContainerID is the runtime handle for the live container, empty when
	// no container exists.
	ContainerID string `json:"container_id,omitempty"`
	// ContainerAddr is the last observed network address of the container.
	ContainerAddr string `json:"container_addr,omitempty"`
	// Port is the listening port reported by the in-container supervisor.
	Port int `json:"port,omitempty"`

	// RetryCount counts consecutive failures while Errored.
	RetryCount int    `json:"retry_count,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	// LastTraffic is the last time the proxy forwarded a request; drives the
	// idle-timeout sweep.
	LastTraffic  time.Time `json:"last_traffic,omitempty"`
	IdleDeadline time.Time `json:"idle_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectState is the durable lifecycle state of a project.
type ProjectState string

const (
	StateCreating   ProjectState = "creating"
	StateStarting   ProjectState = "starting"
	StateReady      ProjectState = "ready"
	StateIdle       ProjectState = "idle"
	StateRestarting ProjectState = "restarting"
	StateStopping   ProjectState = "stopping"
	StateStopped    ProjectState = "stopped"
	StateDestroying ProjectState = "destroying"
	StateDestroyed  ProjectState = "destroyed"
	StateErrored    ProjectState = "errored"
)

// Terminal reports whether the state admits no further transitions except
// via explicit revival (Errored is non-terminal for that reason).
func (s ProjectState) Terminal() bool {
	return s == StateDestroyed
}

// Routable reports whether live traffic may be forwarded in this state.
func (s ProjectState) Routable() bool {
	return s == StateReady
}

// Signal is an external stimulus fed to the state machine.
type Signal string

const (
	SignalUserStart          Signal = "user-start"
	SignalUserStop           Signal = "user-stop"
	SignalUserRestart        Signal = "user-restart"
	SignalUserDestroy        Signal = "user-destroy"
	SignalContainerCreated   Signal = "container-created"
	SignalContainerStarted   Signal = "container-started"
	SignalHealthCheckPassed  Signal = "health-check-passed"
	SignalHealthCheckFailed  Signal = "health-check-failed"
	SignalIdleTimeoutElapsed Signal = "idle-timeout-elapsed"
	SignalRuntimeError       Signal = "runtime-error"
	SignalContainerGone      Signal = "container-gone"
	SignalRevive             Signal = "revive"
)

// TaskKind classifies scheduled work.
type TaskKind string

const (
	TaskAdvance     TaskKind = "advance"
	TaskHealthCheck TaskKind = "health-check"
	TaskHealthSweep TaskKind = "health-sweep"
	TaskIdleSweep   TaskKind = "idle-sweep"
	TaskCertRenew   TaskKind = "cert-renew"
	TaskDestroy     TaskKind = "destroy"
)

// Task is a retryable unit of scheduled work advancing one project. Tasks
// for the same project are strictly serialized by the scheduler.
type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Kind      TaskKind  `json:"kind"`
	Signal    Signal    `json:"signal,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
}

// AdmissionGated reports whether the task consumes build/start capacity and
// therefore must pass the admission gate before it runs.
func (t *Task) AdmissionGated() bool {
	if t.Kind != TaskAdvance {
		return false
	}
	switch t.Signal {
	case SignalUserStart, SignalUserRestart, SignalRevive:
		return true
	}
	return false
}

// Certificate holds issued TLS material for one or more hostnames. Owned
// exclusively by the certificate manager; the proxy only reads.
type Certificate struct {
	ID        string    `json:"id"`
	Domains   []string  `json:"domains"`
	CertPEM   []byte    `json:"cert_pem"`
	KeyPEM    []byte    `json:"key_pem"`
	Issuer    string    `json:"issuer,omitempty"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	AutoRenew bool      `json:"auto_renew"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether the certificate is valid for the hostname, either
// exactly or through a wildcard entry.
func (c *Certificate) Covers(host string) bool {
	for _, d := range c.Domains {
		if d == host || matchWildcard(d, host) {
			return true
		}
	}
	return false
}

// matchWildcard implements single-label wildcard matching, the same rule
// TLS certificates use: *.hutch.dev covers blog.hutch.dev but neither
// hutch.dev nor a.b.hutch.dev.
func matchWildcard(pattern, host string) bool {
	if len(pattern) < 2 || pattern[0] != '*' || pattern[1] != '.' {
		return false
	}
	i := strings.IndexByte(host, '.')
	if i <= 0 {
		return false
	}
	return host[i:] == pattern[1:]
}

// RouteEntry is the proxy-local resolution of a hostname. Derived from the
// store on demand, never authoritative.
type RouteEntry struct {
	ProjectID string
	State     ProjectState
	Addr      string
	Port      int
}

// ContainerStatus is the runtime adapter's view of one container.
type ContainerStatus struct {
	ID      string
	Running bool
	Addr    string
	Port    int
	// ExitCode is meaningful only when Running is false and the container
	// has run at least once.
	ExitCode int
}

// ContainerStats is a point-in-time resource usage sample.
type ContainerStats struct {
	CPUNanos    uint64
	MemoryBytes uint64
	SampledAt   time.Time
}

// ContainerSpec is what the runtime adapter needs to create a container.
// Port is the loopback port assigned to the project; the in-container
// supervisor is told to listen there via the PORT environment variable.
type ContainerSpec struct {
	ProjectID string
	Name      string
	Image     string
	Env       []string
	Port      int
	Labels    map[string]string
}
