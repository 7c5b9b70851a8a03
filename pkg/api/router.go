// Package api is the REST control surface of the platform. Handlers
// validate and enqueue; all actual lifecycle work happens in the
// scheduler. Caller identity arrives from the external identity layer in
// the X-Hutch-Account header; admin routes are gated by a bearer token.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudhutch/hutch/pkg/certs"
	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/events"
	"github.com/cloudhutch/hutch/pkg/lifecycle"
	"github.com/cloudhutch/hutch/pkg/metrics"
	"github.com/cloudhutch/hutch/pkg/runtime"
	"github.com/cloudhutch/hutch/pkg/scheduler"
	"github.com/cloudhutch/hutch/pkg/store"
)

// Router wires the HTTP handlers. Everything it needs is injected; gin
// itself is configured by Handler.
type Router struct {
	store    store.Store
	sched    *scheduler.Scheduler
	machine  *lifecycle.Machine
	runtime  runtime.Runtime
	certs    *certs.Manager
	verifier *certs.DomainVerifier
	broker   *events.Broker
	cfg      *config.Config
}

func NewRouter(st store.Store, sched *scheduler.Scheduler, machine *lifecycle.Machine, rt runtime.Runtime, cm *certs.Manager, verifier *certs.DomainVerifier, broker *events.Broker, cfg *config.Config) *Router {
	return &Router{
		store:    st,
		sched:    sched,
		machine:  machine,
		runtime:  rt,
		certs:    cm,
		verifier: verifier,
		broker:   broker,
		cfg:      cfg,
	}
}

// Handler returns the http.Handler for the control API.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), observe())

	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := g.Group("/v1")
	{
		v1.POST("/projects", r.handleCreateProject)
		v1.GET("/projects", r.handleListProjects)
		v1.GET("/projects/:id", r.handleGetProject)
		v1.PATCH("/projects/:id", r.handleUpdateProject)
		v1.DELETE("/projects/:id", r.handleDestroyProject)
		v1.POST("/projects/:id/start", r.handleSignal(startSignal))
		v1.POST("/projects/:id/stop", r.handleSignal(stopSignal))
		v1.POST("/projects/:id/restart", r.handleSignal(restartSignal))
		v1.GET("/projects/:id/status", r.handleProjectStatus)
		v1.POST("/projects/:id/domains", r.handleAttachDomain)
		v1.GET("/projects/:id/domains", r.handleListDomains)
		v1.DELETE("/projects/:id/domains/:domain", r.handleDetachDomain)
		v1.POST("/projects/:id/certificate", r.handleRequestCertificate)
		v1.GET("/events", r.handleEvents)

		admin := v1.Group("/admin", r.requireAdmin())
		admin.POST("/projects/:id/revive", r.handleRevive)
		admin.POST("/projects/:id/destroy", r.handleForceDestroy)
		admin.GET("/capacity", r.handleCapacity)
		admin.GET("/certificates", r.handleListCertificates)
	}
	return g
}

// observe records request metrics per method and status.
func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(started).Seconds())
	}
}

func (r *Router) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if r.cfg.API.AdminToken == "" || len(token) <= len(prefix) || token[:len(prefix)] != prefix || token[len(prefix):] != r.cfg.API.AdminToken {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "admin token required"})
			return
		}
		c.Next()
	}
}
