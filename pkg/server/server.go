// Package server assembles the control plane: store, runtime, scheduler,
// certificate manager, proxy, and API, wired together and torn down in
// order. It is the only package that knows every component.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudhutch/hutch/pkg/api"
	"github.com/cloudhutch/hutch/pkg/certs"
	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/events"
	"github.com/cloudhutch/hutch/pkg/lifecycle"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/proxy"
	"github.com/cloudhutch/hutch/pkg/runtime"
	"github.com/cloudhutch/hutch/pkg/scheduler"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/supervisor"
)

// Server is the assembled control plane.
type Server struct {
	cfg *config.Config

	store   store.Store
	runtime runtime.Runtime
	sched   *scheduler.Scheduler
	certs   *certs.Manager
	proxy   *proxy.Proxy
	broker  *events.Broker
	apiSrv  *http.Server
}

// Options overrides components for embedding and tests. Nil fields fall
// back to the production implementations.
type Options struct {
	Store   store.Store
	Runtime runtime.Runtime
	Prober  supervisor.Prober
	// DisableACME skips certificate management entirely; the proxy serves
	// plain HTTP only.
	DisableACME bool
}

// New builds the control plane from configuration.
func New(cfg *config.Config, opts Options) (*Server, error) {
	st := opts.Store
	if st == nil {
		boltStore, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = boltStore
	}

	rt := opts.Runtime
	if rt == nil {
		crt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect runtime: %w", err)
		}
		rt = crt
	}

	prober := opts.Prober
	if prober == nil {
		prober = supervisor.NewHTTPProber(cfg.Lifecycle.HealthTimeout)
	}

	var cm *certs.Manager
	var verifier *certs.DomainVerifier
	if !opts.DisableACME {
		logger := log.WithComponent("server")
		var err error
		cm, err = certs.NewManager(st, cfg.ACME)
		if err != nil {
			// TLS is degraded, not fatal: projects still run over HTTP.
			logger.Warn().Err(err).Msg("Certificate manager unavailable, HTTPS disabled")
			cm = nil
		}
		verifier, err = certs.NewDomainVerifier(cfg.ACME.PlatformDomain, "")
		if err != nil {
			logger.Warn().Err(err).Msg("Domain verifier unavailable, custom domains unchecked")
			verifier = nil
		}
	}

	broker := events.NewBroker()

	if cm != nil {
		cm.SetBroker(broker)
		if cfg.ACME.WildcardCertFile != "" && cfg.ACME.WildcardKeyFile != "" {
			_, err := cm.ImportCertificateFiles(cfg.ACME.WildcardCertFile, cfg.ACME.WildcardKeyFile)
			if err != nil {
				logger := log.WithComponent("server")
				logger.Warn().Err(err).Msg("Wildcard certificate import failed")
			}
		}
	}

	machine := lifecycle.NewMachine(lifecycle.Policy{
		HealthRetries: cfg.Lifecycle.HealthRetries,
		ErrorRetryCap: cfg.Lifecycle.ErrorRetryCap,
	})

	var schedCerts scheduler.CertManager
	if cm != nil {
		schedCerts = cm
	}
	sched := scheduler.NewScheduler(st, rt, machine, prober, schedCerts, broker, cfg)

	px := proxy.NewProxy(st, sched, cm, cfg)

	apiRouter := api.NewRouter(st, sched, machine, rt, cm, verifier, broker, cfg)
	apiSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           apiRouter.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		sched:   sched,
		certs:   cm,
		proxy:   px,
		broker:  broker,
		apiSrv:  apiSrv,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Recovery runs before anything serves traffic so the
// store and the runtime agree from the first request on.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("server")

	s.broker.Start()
	defer s.broker.Stop()

	recoverCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err := s.sched.Recover(recoverCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	s.sched.Start()
	defer s.sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.proxy.Start(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", s.apiSrv.Addr).Msg("API listening")
		if err := s.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.apiSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if cerr := s.runtime.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Runtime close error")
	}
	if cerr := s.store.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Store close error")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
