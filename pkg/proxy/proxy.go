package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudhutch/hutch/pkg/certs"
	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/metrics"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/types"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// how often at most the proxy records traffic per project
const trafficTouchEvery = 30 * time.Second

// TaskQueue is the slice of the scheduler the proxy needs: it enqueues
// wake tasks and never touches the runtime itself.
type TaskQueue interface {
	Enqueue(t *types.Task) error
}

// Proxy is the hostname-routing reverse proxy.
type Proxy struct {
	store  store.Store
	sched  TaskQueue
	certs  *certs.Manager
	cfg    *config.Config
	logger zerolog.Logger

	httpServer  *http.Server
	httpsServer *http.Server

	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

// NewProxy creates the proxy. certs may be nil; HTTPS is disabled then.
func NewProxy(st store.Store, sched TaskQueue, cm *certs.Manager, cfg *config.Config) *Proxy {
	return &Proxy{
		store:     st,
		sched:     sched,
		certs:     cm,
		cfg:       cfg,
		logger:    log.WithComponent("proxy"),
		lastTouch: make(map[string]time.Time),
	}
}

// Start runs the HTTP and HTTPS listeners until ctx is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:         p.cfg.Proxy.HTTPAddr,
		Handler:      http.HandlerFunc(p.handleHTTP),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpListener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.httpServer.Addr, err)
	}
	p.logger.Info().Str("addr", p.httpServer.Addr).Msg("Proxy listening (HTTP)")

	go func() {
		if err := p.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.certs != nil {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert, err := p.certs.Lookup(hello.ServerName)
				if err != nil {
					return nil, fmt.Errorf("no certificate for %q: %w", hello.ServerName, err)
				}
				return cert, nil
			},
		}
		p.httpsServer = &http.Server{
			Addr:         p.cfg.Proxy.HTTPSAddr,
			Handler:      http.HandlerFunc(p.handle),
			TLSConfig:    tlsConfig,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		httpsListener, err := net.Listen("tcp", p.httpsServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", p.httpsServer.Addr, err)
		}
		p.logger.Info().Str("addr", p.httpsServer.Addr).Msg("Proxy listening (HTTPS)")

		go func() {
			tlsListener := tls.NewListener(httpsListener, tlsConfig)
			if err := p.httpsServer.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error().Err(err).Msg("HTTPS server error")
			}
		}()
	} else {
		p.logger.Info().Msg("No certificate manager, HTTPS disabled")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn().Err(err).Msg("HTTP shutdown error")
	}
	if p.httpsServer != nil {
		if err := p.httpsServer.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn().Err(err).Msg("HTTPS shutdown error")
		}
	}
	return nil
}

// handleHTTP serves ACME challenges on the plain listener and hands
// everything else to the shared routing path.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		p.serveChallenge(w, r)
		return
	}
	p.handle(w, r)
}

func (p *Proxy) serveChallenge(w http.ResponseWriter, r *http.Request) {
	if p.certs == nil {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := p.certs.Provider().KeyAuth(hostOnly(r.Host), token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, keyAuth)
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	project, err := p.store.GetProjectByHostname(host)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			metrics.ProxyRequestsTotal.WithLabelValues("404").Inc()
			http.Error(w, "Unknown hostname", http.StatusNotFound)
			return
		}
		p.logger.Error().Err(err).Str("host", host).Msg("Route lookup failed")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	switch project.State {
	case types.StateReady:
		p.forward(w, r, project)

	case types.StateIdle:
		p.wakeAndForward(w, r, project, true)

	case types.StateStarting, types.StateRestarting, types.StateCreating:
		// Already on its way up; hold the connection without re-enqueueing.
		p.wakeAndForward(w, r, project, false)

	case types.StateStopped, types.StateStopping:
		metrics.ProxyRequestsTotal.WithLabelValues("503").Inc()
		w.Header().Set("Retry-After", "300")
		http.Error(w, "Project is stopped", http.StatusServiceUnavailable)

	case types.StateErrored:
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "Project failed to start", http.StatusBadGateway)

	default:
		metrics.ProxyRequestsTotal.WithLabelValues("404").Inc()
		http.Error(w, "Unknown hostname", http.StatusNotFound)
	}
}

// wakeAndForward holds the connection while the project comes up. enqueue
// controls whether this request is the one that triggers the start.
func (p *Proxy) wakeAndForward(w http.ResponseWriter, r *http.Request, project *types.Project, enqueue bool) {
	if enqueue {
		metrics.ProxyWakes.Inc()
		err := p.sched.Enqueue(&types.Task{
			ProjectID: project.ID,
			Kind:      types.TaskAdvance,
			Signal:    types.SignalUserStart,
		})
		if err != nil {
			p.logger.Error().Err(err).Str("project_id", project.ID).Msg("Failed to enqueue wake")
			http.Error(w, "Bad gateway", http.StatusBadGateway)
			return
		}
		p.logger.Info().Str("project_id", project.ID).Str("host", hostOnly(r.Host)).Msg("Waking idle project")
	}

	started := time.Now()
	woken, ok := p.waitRoutable(r.Context(), project.ID)
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues("503").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(p.cfg.Proxy.WakeWait.Seconds())))
		http.Error(w, "Project is starting, retry shortly", http.StatusServiceUnavailable)
		return
	}
	metrics.ProjectWakeDuration.Observe(time.Since(started).Seconds())
	p.forward(w, r, woken)
}

// waitRoutable polls the store until the project is routable, the wake
// window elapses, or the client goes away.
func (p *Proxy) waitRoutable(ctx context.Context, projectID string) (*types.Project, bool) {
	deadline := time.After(p.cfg.Proxy.WakeWait)
	ticker := time.NewTicker(p.cfg.Proxy.WakePollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline:
			return nil, false
		case <-ticker.C:
			project, err := p.store.GetProject(projectID)
			if err != nil {
				return nil, false
			}
			if project.State.Routable() {
				return project, true
			}
			if project.State == types.StateErrored || project.State.Terminal() {
				return nil, false
			}
		}
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, project *types.Project) {
	if project.ContainerAddr == "" || project.Port == 0 {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://%s:%d", project.ContainerAddr, project.Port))
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	rp := &httputil.ReverseProxy{
		// Rewrite owns the X-Forwarded-* headers outright; with a Director
		// the stdlib appends the client address a second time afterwards.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// Preserve original Host header for the backend's virtual hosting.
			pr.Out.Host = r.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error().Err(err).
				Str("project_id", project.ID).
				Str("backend", target.Host).
				Msg("Proxy error")
			metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		},
	}

	metrics.ProxyRequestsTotal.WithLabelValues("200").Inc()
	p.touchTraffic(project)
	rp.ServeHTTP(w, r)
}

// touchTraffic records that the project saw live traffic, at most once per
// touch window so the store is not written on every request. The write is a
// narrow store operation touching only the traffic fields; lifecycle state
// stays the scheduler's to mutate.
func (p *Proxy) touchTraffic(project *types.Project) {
	now := time.Now()

	p.touchMu.Lock()
	if last, ok := p.lastTouch[project.ID]; ok && now.Sub(last) < trafficTouchEvery {
		p.touchMu.Unlock()
		return
	}
	p.lastTouch[project.ID] = now
	p.touchMu.Unlock()

	go func() {
		err := p.store.TouchTraffic(project.ID, now, now.Add(p.cfg.Lifecycle.IdleWindow))
		if err != nil {
			p.logger.Warn().Err(err).Str("project_id", project.ID).Msg("Failed to record traffic")
		}
	}()
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
