// Package supervisor is the boundary to the in-container build/runtime
// supervisor: the external component that compiles and runs the user's
// artifact inside the container and reports a listening port and health.
// The control plane treats it as opaque, slow, and fallible; nothing here
// knows how artifacts are built or what the container-internal wire format
// is.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status is the supervisor's self-report for one container.
type Status struct {
	// Ready means the user artifact is built, running, and serving.
	Ready bool `json:"ready"`
	// Port is the port the artifact listens on, valid once Ready.
	Port int `json:"port"`
	// Message carries a human-readable build or runtime error.
	Message string `json:"message,omitempty"`
}

// Prober asks a container's supervisor for its status. Implemented over
// HTTP in production; tests substitute their own.
type Prober interface {
	Probe(ctx context.Context, addr string, port int) (Status, error)
}

// HTTPProber probes the supervisor's status endpoint.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe fetches the supervisor status. Any transport failure is returned
// as-is: the caller's retry policy decides what a dead supervisor means.
func (p *HTTPProber) Probe(ctx context.Context, addr string, port int) (Status, error) {
	url := fmt.Sprintf("http://%s:%d/.hutch/status", addr, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("supervisor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("supervisor returned HTTP %d", resp.StatusCode)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("failed to decode supervisor status: %w", err)
	}

	return st, nil
}
