package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloudhutch/hutch/pkg/certs"
	"github.com/cloudhutch/hutch/pkg/events"
	"github.com/cloudhutch/hutch/pkg/health"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/names"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/types"
)

const accountHeader = "X-Hutch-Account"

type errorResp struct {
	Error string `json:"error"`
}

type createProjectReq struct {
	Name   string            `json:"name" binding:"required"`
	Image  string            `json:"image" binding:"required"`
	Env    []string          `json:"env"`
	Labels map[string]string `json:"labels"`
}

type attachDomainReq struct {
	Domain string `json:"domain" binding:"required"`
}

type statusResp struct {
	Project *types.Project        `json:"project"`
	Stats   *types.ContainerStats `json:"stats,omitempty"`
	// Reachable is a live probe of the backend, only set for Ready projects.
	Reachable *bool `json:"reachable,omitempty"`
}

type capacityResp struct {
	Resident    int `json:"resident"`
	MaxResident int `json:"max_resident"`
	MaxStarts   int `json:"max_starts"`
	HostCores   int `json:"host_cores"`
}

var (
	startSignal   = types.SignalUserStart
	stopSignal    = types.SignalUserStop
	restartSignal = types.SignalUserRestart
)

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, types.ErrNameTaken), errors.Is(err, types.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, types.ErrCapacity):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, errorResp{Error: err.Error()})
	case errors.Is(err, certs.ErrDomainNotPointed):
		c.JSON(http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleCreateProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := names.Validate(req.Name); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	now := time.Now()
	project := &types.Project{
		ID:        uuid.New().String(),
		Name:      req.Name,
		AccountID: c.GetHeader(accountHeader),
		State:     types.StateCreating,
		Image:     req.Image,
		Env:       req.Env,
		Labels:    req.Labels,
		Hostname:  req.Name + "." + r.cfg.ACME.PlatformDomain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateProject(project); err != nil {
		writeError(c, err)
		return
	}

	// Creation implies a first start; the scheduler takes it from here.
	err := r.sched.Enqueue(&types.Task{
		ProjectID: project.ID,
		Kind:      types.TaskAdvance,
		Signal:    types.SignalUserStart,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	logger := log.WithProject(project.ID)
	logger.Info().Str("name", project.Name).Msg("Project created")
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:        uuid.New().String(),
			Type:      events.EventProjectCreated,
			ProjectID: project.ID,
			Message:   project.Name,
			Metadata:  map[string]string{"name": project.Name, "hostname": project.Hostname},
		})
	}
	c.JSON(http.StatusCreated, project)
}

func (r *Router) handleListProjects(c *gin.Context) {
	filter := store.ListFilter{
		State: types.ProjectState(c.Query("state")),
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	projects, err := r.store.ListProjects(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

// lookup resolves the :id path segment as a project ID first and a
// project name second.
func (r *Router) lookup(c *gin.Context) (*types.Project, error) {
	key := c.Param("id")
	p, err := r.store.GetProject(key)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return r.store.GetProjectByName(key)
}

func (r *Router) handleGetProject(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleSignal validates the transition against the current snapshot
// before enqueueing, so an impossible operation fails synchronously.
func (r *Router) handleSignal(sig types.Signal) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := r.lookup(c)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, _, err := r.machine.Advance(p, sig); err != nil {
			writeError(c, err)
			return
		}
		err = r.sched.Enqueue(&types.Task{
			ProjectID: p.ID,
			Kind:      types.TaskAdvance,
			Signal:    sig,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "state": p.State, "signal": sig})
	}
}

type updateProjectReq struct {
	Image  string            `json:"image"`
	Env    []string          `json:"env"`
	Labels map[string]string `json:"labels"`
}

// handleUpdateProject persists a changed definition and restarts the
// project so the container is rebuilt from the new spec. Projects whose
// current state cannot restart keep the new definition for their next
// start.
func (r *Router) handleUpdateProject(c *gin.Context) {
	var req updateProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if p.State.Terminal() || p.State == types.StateDestroying {
		writeError(c, &types.InvalidTransitionError{State: p.State, Signal: types.SignalUserRestart})
		return
	}

	if req.Image != "" {
		p.Image = req.Image
	}
	if req.Env != nil {
		p.Env = req.Env
	}
	if req.Labels != nil {
		p.Labels = req.Labels
	}
	p.UpdatedAt = time.Now()
	if err := r.store.UpdateProject(p); err != nil {
		writeError(c, err)
		return
	}

	if _, _, err := r.machine.Advance(p, types.SignalUserRestart); err != nil {
		// Not restartable right now (still creating, errored, ...); the
		// stored spec applies on the next start.
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "state": p.State, "restarting": false})
		return
	}
	err = r.sched.Enqueue(&types.Task{
		ProjectID: p.ID,
		Kind:      types.TaskAdvance,
		Signal:    types.SignalUserRestart,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "state": p.State, "restarting": true})
}

func (r *Router) handleDestroyProject(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	err = r.sched.Enqueue(&types.Task{
		ProjectID: p.ID,
		Kind:      types.TaskDestroy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "state": types.StateDestroying})
}

func (r *Router) handleProjectStatus(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := statusResp{Project: p}
	if p.ContainerID != "" && r.runtime != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.cfg.Runtime.OpTimeout)
		defer cancel()
		if stats, err := r.runtime.Stats(ctx, p.ContainerID); err == nil {
			resp.Stats = &stats
		}
	}
	if p.State.Routable() && p.ContainerAddr != "" && p.Port != 0 {
		checker := health.NewHTTPChecker(fmt.Sprintf("http://%s:%d/", p.ContainerAddr, p.Port))
		res := checker.Check(c.Request.Context())
		resp.Reachable = &res.Healthy
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleAttachDomain(c *gin.Context) {
	var req attachDomainReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, d := range p.CustomDomains {
		if d == req.Domain {
			c.JSON(http.StatusOK, gin.H{"domains": p.CustomDomains})
			return
		}
	}

	if r.verifier != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		if err := r.verifier.Verify(ctx, req.Domain); err != nil {
			writeError(c, err)
			return
		}
	}

	p.CustomDomains = append(p.CustomDomains, req.Domain)
	p.UpdatedAt = time.Now()
	if err := r.store.UpdateProject(p); err != nil {
		writeError(c, err)
		return
	}

	// Certificate issuance is slow; hand it to the scheduler.
	err = r.sched.Enqueue(&types.Task{
		ProjectID: p.ID,
		Kind:      types.TaskCertRenew,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"domains": p.CustomDomains})
}

func (r *Router) handleListDomains(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hostname": p.Hostname,
		"domains":  p.CustomDomains,
	})
}

func (r *Router) handleDetachDomain(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	domain := c.Param("domain")
	kept := p.CustomDomains[:0]
	found := false
	for _, d := range p.CustomDomains {
		if d == domain {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResp{Error: "domain not attached"})
		return
	}
	p.CustomDomains = kept
	p.UpdatedAt = time.Now()
	if err := r.store.UpdateProject(p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domains": p.CustomDomains})
}

// handleRequestCertificate forces an issuance pass over the project's
// hostnames. Attaching a domain does this automatically; the explicit form
// exists for re-issuing after an earlier failure.
func (r *Router) handleRequestCertificate(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if r.certs == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "certificate management disabled"})
		return
	}
	err = r.sched.Enqueue(&types.Task{
		ProjectID: p.ID,
		Kind:      types.TaskCertRenew,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "hostname": p.Hostname, "domains": p.CustomDomains})
}

type certificateSummary struct {
	ID        string    `json:"id"`
	Domains   []string  `json:"domains"`
	Issuer    string    `json:"issuer,omitempty"`
	NotAfter  time.Time `json:"not_after"`
	AutoRenew bool      `json:"auto_renew"`
}

func (r *Router) handleListCertificates(c *gin.Context) {
	certList, err := r.store.ListCertificates()
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]certificateSummary, 0, len(certList))
	for _, cert := range certList {
		out = append(out, certificateSummary{
			ID:        cert.ID,
			Domains:   cert.Domains,
			Issuer:    cert.Issuer,
			NotAfter:  cert.NotAfter,
			AutoRenew: cert.AutoRenew,
		})
	}
	c.JSON(http.StatusOK, gin.H{"certificates": out, "count": len(out)})
}

// handleEvents streams lifecycle events as server-sent events until the
// client disconnects.
func (r *Router) handleEvents(c *gin.Context) {
	if r.broker == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "events disabled"})
		return
	}
	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			c.SSEvent("message", string(data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleRevive moves an Errored project back to Starting regardless of
// its retry count. Admin only.
func (r *Router) handleRevive(c *gin.Context) {
	p, err := r.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, _, err := r.machine.Advance(p, types.SignalRevive); err != nil {
		writeError(c, err)
		return
	}
	// An explicit revive resets the automatic recovery budget.
	p.RetryCount = 0
	p.UpdatedAt = time.Now()
	if err := r.store.UpdateProject(p); err != nil {
		writeError(c, err)
		return
	}
	err = r.sched.Enqueue(&types.Task{
		ProjectID: p.ID,
		Kind:      types.TaskAdvance,
		Signal:    types.SignalRevive,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "state": p.State})
}

func (r *Router) handleForceDestroy(c *gin.Context) {
	r.handleDestroyProject(c)
}

func (r *Router) handleCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, capacityResp{
		Resident:    r.sched.Gate().Resident(),
		MaxResident: r.cfg.MaxResidentContainers(),
		MaxStarts:   r.cfg.MaxConcurrentStarts(),
		HostCores:   r.cfg.HostCores(),
	})
}
