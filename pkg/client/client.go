// Package client is the Go client for the control API, used by the CLI
// and embeddable by other programs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudhutch/hutch/pkg/types"
)

// Client talks to the control API over HTTP.
type Client struct {
	baseURL    string
	adminToken string
	account    string
	http       *http.Client
}

// New creates a client for the API at addr (host:port or full URL).
func New(addr string) *Client {
	base := addr
	if _, err := url.ParseRequestURI(base); err != nil || !hasScheme(base) {
		base = "http://" + addr
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func hasScheme(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != ""
}

// WithAdminToken returns the client with admin authentication attached.
func (c *Client) WithAdminToken(token string) *Client {
	c.adminToken = token
	return c
}

// WithAccount sets the account identity sent with every request.
func (c *Client) WithAccount(account string) *Client {
	c.account = account
	return c
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	if c.account != "" {
		req.Header.Set("X-Hutch-Account", c.account)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateProject creates and starts a project.
func (c *Client) CreateProject(ctx context.Context, name, image string, env []string, labels map[string]string) (*types.Project, error) {
	req := map[string]any{"name": name, "image": image, "env": env, "labels": labels}
	var p types.Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject fetches a project by ID or name.
func (c *Client) GetProject(ctx context.Context, key string) (*types.Project, error) {
	var p types.Project
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(key), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects lists projects, optionally filtered by state and paged.
func (c *Client) ListProjects(ctx context.Context, state string, offset, limit int) ([]*types.Project, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/projects"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Projects []*types.Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// ProjectStatus is a project snapshot with live container stats.
type ProjectStatus struct {
	Project *types.Project        `json:"project"`
	Stats   *types.ContainerStats `json:"stats,omitempty"`
}

// Status fetches a project with its container stats.
func (c *Client) Status(ctx context.Context, key string) (*ProjectStatus, error) {
	var st ProjectStatus
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(key)+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) StartProject(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(key)+"/start", nil, nil)
}

func (c *Client) StopProject(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(key)+"/stop", nil, nil)
}

// UpdateProject persists a changed image/env/labels definition. The server
// restarts the project when its current state allows it, rebuilding the
// container from the new spec.
func (c *Client) UpdateProject(ctx context.Context, key, image string, env []string, labels map[string]string) error {
	req := map[string]any{"image": image, "env": env, "labels": labels}
	return c.do(ctx, http.MethodPatch, "/v1/projects/"+url.PathEscape(key), req, nil)
}

func (c *Client) RestartProject(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(key)+"/restart", nil, nil)
}

func (c *Client) DestroyProject(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(key), nil, nil)
}

// AttachDomain attaches a verified custom domain to the project.
func (c *Client) AttachDomain(ctx context.Context, key, domain string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(key)+"/domains", map[string]string{"domain": domain}, nil)
}

// ListDomains returns the platform hostname and custom domains.
func (c *Client) ListDomains(ctx context.Context, key string) (string, []string, error) {
	var resp struct {
		Hostname string   `json:"hostname"`
		Domains  []string `json:"domains"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(key)+"/domains", nil, &resp); err != nil {
		return "", nil, err
	}
	return resp.Hostname, resp.Domains, nil
}

func (c *Client) DetachDomain(ctx context.Context, key, domain string) error {
	return c.do(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(key)+"/domains/"+url.PathEscape(domain), nil, nil)
}

// RequestCertificate forces an issuance pass over the project's hostnames.
func (c *Client) RequestCertificate(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(key)+"/certificate", nil, nil)
}

// CertificateSummary is one stored certificate, key material omitted.
type CertificateSummary struct {
	ID        string    `json:"id"`
	Domains   []string  `json:"domains"`
	Issuer    string    `json:"issuer,omitempty"`
	NotAfter  time.Time `json:"not_after"`
	AutoRenew bool      `json:"auto_renew"`
}

// ListCertificates lists stored certificates. Admin only.
func (c *Client) ListCertificates(ctx context.Context) ([]CertificateSummary, error) {
	var resp struct {
		Certificates []CertificateSummary `json:"certificates"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/admin/certificates", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// Revive moves an Errored project back to Starting. Admin only.
func (c *Client) Revive(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/projects/"+url.PathEscape(key)+"/revive", nil, nil)
}

// Capacity reports the admission controller's view of the host. Admin only.
type Capacity struct {
	Resident    int `json:"resident"`
	MaxResident int `json:"max_resident"`
	MaxStarts   int `json:"max_starts"`
	HostCores   int `json:"host_cores"`
}

func (c *Client) Capacity(ctx context.Context) (*Capacity, error) {
	var out Capacity
	if err := c.do(ctx, http.MethodGet, "/v1/admin/capacity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
