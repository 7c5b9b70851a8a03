package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/events"
	"github.com/cloudhutch/hutch/pkg/health"
	"github.com/cloudhutch/hutch/pkg/lifecycle"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/metrics"
	"github.com/cloudhutch/hutch/pkg/runtime"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/supervisor"
	"github.com/cloudhutch/hutch/pkg/types"
)

// CertManager is the slice of the certificate manager the scheduler needs.
type CertManager interface {
	// Ensure makes sure a certificate covering the domains exists, issuing
	// one if necessary.
	Ensure(ctx context.Context, domains []string) error
	// RenewDue renews every stored certificate inside its renewal window.
	RenewDue(ctx context.Context) error
}

var errGateFull = errors.New("admission gate full")

type projectQueue struct {
	tasks   []*types.Task
	running bool
}

// Scheduler drains persisted tasks through a bounded worker pool, one task
// per project at a time.
type Scheduler struct {
	store   store.Store
	runtime runtime.Runtime
	machine *lifecycle.Machine
	prober  supervisor.Prober
	certs   CertManager
	broker  *events.Broker
	cfg     *config.Config
	gate    *Gate

	mu             sync.Mutex
	queues         map[string]*projectQueue
	pendingDestroy map[string]bool

	workCh chan *types.Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. certs may be nil when TLS management is
// disabled; certificate effects become no-ops then.
func NewScheduler(st store.Store, rt runtime.Runtime, machine *lifecycle.Machine, prober supervisor.Prober, certs CertManager, broker *events.Broker, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:          st,
		runtime:        rt,
		machine:        machine,
		prober:         prober,
		certs:          certs,
		broker:         broker,
		cfg:            cfg,
		gate:           NewGate(cfg.MaxConcurrentStarts(), cfg.MaxResidentContainers()),
		queues:         make(map[string]*projectQueue),
		pendingDestroy: make(map[string]bool),
		workCh:         make(chan *types.Task, 1024),
		stopCh:         make(chan struct{}),
	}
}

// Gate exposes the admission controller, for status reporting.
func (s *Scheduler) Gate() *Gate { return s.gate }

// Start launches the worker pool and the periodic sweeps.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Scheduler.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(3)
	go s.sweepLoop(s.cfg.Scheduler.HealthSweepEvery, types.TaskHealthSweep)
	go s.sweepLoop(s.cfg.Scheduler.IdleSweepEvery, types.TaskIdleSweep)
	go s.sweepLoop(s.cfg.Scheduler.CertSweepEvery, types.TaskCertRenew)

	logger := log.WithComponent("scheduler")
	logger.Info().
		Int("workers", s.cfg.Scheduler.Workers).
		Int("max_starts", s.cfg.MaxConcurrentStarts()).
		Int("max_resident", s.cfg.MaxResidentContainers()).
		Msg("Scheduler started")
}

// Stop drains nothing: queued tasks are persisted and picked up again by
// Recover on the next start.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue persists the task and queues it behind any task already pending
// for the same project. A destroy supersedes everything queued before it.
func (s *Scheduler) Enqueue(t *types.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	s.mu.Lock()
	// ContainerGone confirms a removal the destroy itself issued; dropping
	// it would strand the project in Destroying.
	if s.pendingDestroy[t.ProjectID] && !isDestroy(t) && t.Signal != types.SignalContainerGone {
		s.mu.Unlock()
		// Project is going away, stale work is dropped.
		return nil
	}
	s.mu.Unlock()

	if err := s.store.PutTask(t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isDestroy(t) {
		s.pendingDestroy[t.ProjectID] = true
		s.dropQueuedLocked(t.ProjectID)
	}
	s.pushLocked(t)
	return nil
}

func isDestroy(t *types.Task) bool {
	return t.Kind == types.TaskDestroy || (t.Kind == types.TaskAdvance && t.Signal == types.SignalUserDestroy)
}

// dropQueuedLocked removes every queued non-destroy task for the project.
// The running task, if any, finishes; serialization makes that safe.
func (s *Scheduler) dropQueuedLocked(projectID string) {
	q := s.queues[projectID]
	if q == nil {
		return
	}
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if isDestroy(t) {
			kept = append(kept, t)
			continue
		}
		if err := s.store.DeleteTask(t.ID); err != nil {
			logger := log.WithTask(t.ID)
			logger.Warn().Err(err).Msg("Failed to delete superseded task")
		}
		metrics.TasksQueued.Dec()
	}
	q.tasks = kept
}

func (s *Scheduler) pushLocked(t *types.Task) {
	q := s.queues[t.ProjectID]
	if q == nil {
		q = &projectQueue{}
		s.queues[t.ProjectID] = q
	}
	q.tasks = append(q.tasks, t)
	metrics.TasksQueued.Inc()
	s.dispatchLocked(t.ProjectID)
}

func (s *Scheduler) dispatchLocked(projectID string) {
	q := s.queues[projectID]
	if q == nil || q.running || len(q.tasks) == 0 {
		return
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.running = true
	metrics.TasksQueued.Dec()

	// Hand off outside the lock: a saturated pool must not block enqueues.
	// At most one handoff per project is in flight, so order is preserved.
	go func() {
		select {
		case s.workCh <- t:
		case <-s.stopCh:
		}
	}()
}

func (s *Scheduler) finish(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[projectID]
	if q == nil {
		return
	}
	q.running = false
	if len(q.tasks) == 0 {
		delete(s.queues, projectID)
		// A drained queue means any pending destroy ran to completion (or
		// failed); either way it no longer supersedes new work.
		delete(s.pendingDestroy, projectID)
		return
	}
	s.dispatchLocked(projectID)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.workCh:
			s.run(t)
			s.finish(t.ProjectID)
		}
	}
}

func (s *Scheduler) run(t *types.Task) {
	if !t.Deadline.IsZero() && time.Now().After(t.Deadline) {
		// Expired work is dropped, not run late.
		metrics.TasksExecuted.WithLabelValues(string(t.Kind), "expired").Inc()
		if err := s.store.DeleteTask(t.ID); err != nil {
			logger := log.WithTask(t.ID)
			logger.Warn().Err(err).Msg("Failed to delete expired task")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Runtime.OpTimeout*4)
	defer cancel()

	started := time.Now()
	err := s.execute(ctx, t)
	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(started).Seconds())

	if err == nil {
		metrics.TasksExecuted.WithLabelValues(string(t.Kind), "ok").Inc()
		if err := s.store.DeleteTask(t.ID); err != nil {
			logger := log.WithTask(t.ID)
			logger.Warn().Err(err).Msg("Failed to delete finished task")
		}
		return
	}

	logger := log.WithTask(t.ID)
	if types.IsRetryable(err) && t.Retries < s.cfg.Scheduler.MaxTaskRetries {
		t.Retries++
		if perr := s.store.PutTask(t); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to persist task retry count")
		}
		delay := s.retryDelay(t.Retries)
		logger.Warn().Err(err).
			Str("project_id", t.ProjectID).
			Int("retries", t.Retries).
			Dur("delay", delay).
			Msg("Task failed, retrying")
		metrics.TasksExecuted.WithLabelValues(string(t.Kind), "retry").Inc()
		s.requeueAfter(t, delay)
		return
	}

	metrics.TasksExecuted.WithLabelValues(string(t.Kind), "failed").Inc()
	logger.Error().Err(err).Str("project_id", t.ProjectID).Msg("Task failed permanently")

	if types.IsRetryable(err) {
		// Retries exhausted on a transient failure.
		err = fmt.Errorf("%w: %v", types.ErrRetryExhausted, err)
	}
	s.failProject(t, err)

	if derr := s.store.DeleteTask(t.ID); derr != nil {
		logger.Warn().Err(derr).Msg("Failed to delete failed task")
	}
}

// failProject records a permanent task failure on the project. Capacity
// denial leaves the project untouched: the caller retries, nothing broke.
// An invalid transition means the project moved on, also not an error.
// Certificate work failing says nothing about the project itself, so a
// serving project keeps serving; the failure goes out as an event.
func (s *Scheduler) failProject(t *types.Task, cause error) {
	if errors.Is(cause, types.ErrCapacity) || errors.Is(cause, types.ErrInvalidTransition) {
		return
	}
	p, err := s.store.GetProject(t.ProjectID)
	if err != nil {
		return
	}
	if t.Kind == types.TaskCertRenew {
		s.publish(events.EventTaskFailed, p, cause.Error())
		return
	}
	if p.State.Terminal() || p.State == types.StateDestroying {
		return
	}
	p.State = types.StateErrored
	p.LastError = cause.Error()
	p.RetryCount++
	p.UpdatedAt = time.Now()
	if err := s.store.UpdateProject(p); err != nil {
		logger := log.WithProject(p.ID)
		logger.Error().Err(err).Msg("Failed to record project error")
		return
	}
	s.publish(events.EventProjectErrored, p, cause.Error())
}

func (s *Scheduler) requeueAfter(t *types.Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.Lock()
		s.pushLocked(t)
		s.mu.Unlock()
	})
}

func (s *Scheduler) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Scheduler.BackoffInitial
	b.MaxInterval = s.cfg.Scheduler.BackoffMax
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Scheduler) execute(ctx context.Context, t *types.Task) error {
	switch t.Kind {
	case types.TaskIdleSweep:
		return s.sweepIdle(ctx)
	case types.TaskHealthSweep:
		return s.sweepHealth(ctx)
	case types.TaskCertRenew:
		if t.ProjectID == "" {
			return s.sweepCerts(ctx)
		}
	}

	p, err := s.store.GetProject(t.ProjectID)
	if err != nil {
		return err
	}

	if t.AdmissionGated() {
		if err := s.admit(ctx, p); err != nil {
			return err
		}
		defer s.gate.Release()
	}

	switch t.Kind {
	case types.TaskAdvance:
		return s.advanceProject(ctx, p, t.Signal)
	case types.TaskDestroy:
		return s.advanceProject(ctx, p, types.SignalUserDestroy)
	case types.TaskHealthCheck:
		return s.healthCheck(ctx, p)
	case types.TaskCertRenew:
		if s.certs == nil {
			return nil
		}
		return s.certs.Ensure(ctx, hostnames(p))
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}

// admit blocks with exponential backoff until the gate grants a start slot
// or the admission window elapses, in which case it fails with ErrCapacity.
func (s *Scheduler) admit(ctx context.Context, p *types.Project) error {
	needsResident := p.ContainerID == ""

	if s.gate.TryAcquire(needsResident) {
		return nil
	}
	metrics.AdmissionWaits.Inc()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.AdmissionMaxWait)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Scheduler.BackoffInitial
	b.MaxInterval = s.cfg.Scheduler.BackoffMax
	b.MaxElapsedTime = s.cfg.Scheduler.AdmissionMaxWait

	err := backoff.Retry(func() error {
		if s.gate.TryAcquire(needsResident) {
			return nil
		}
		return errGateFull
	}, backoff.WithContext(b, waitCtx))
	if err != nil {
		metrics.AdmissionRejections.Inc()
		return fmt.Errorf("%w: project %s waited %s for a start slot", types.ErrCapacity, p.Name, s.cfg.Scheduler.AdmissionMaxWait)
	}
	return nil
}

// advanceProject runs one state machine step: compute the transition,
// execute its effects in order, then commit the new state. The transition
// is persisted only once its effects took hold, so a failed effect leaves
// the recorded state untouched and the task retry re-runs the same step;
// that is safe because every effect is idempotent against the runtime.
func (s *Scheduler) advanceProject(ctx context.Context, p *types.Project, sig types.Signal) error {
	newState, effs, err := s.machine.Advance(p, sig)
	if err != nil {
		return err
	}

	var followUp types.Signal
	for _, eff := range effs {
		fu, err := s.applyEffect(ctx, p, eff)
		if err != nil {
			return fmt.Errorf("effect %s: %w", eff.Kind, err)
		}
		if fu != "" {
			followUp = fu
		}
	}

	prev := p.State
	now := time.Now()
	p.State = newState
	p.UpdatedAt = now
	if newState == types.StateReady {
		p.IdleDeadline = now.Add(s.cfg.Lifecycle.IdleWindow)
		p.LastError = ""
	}
	if err := s.store.UpdateProject(p); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}

	if prev != newState {
		metrics.ProjectTransitionsTotal.WithLabelValues(string(prev), string(sig)).Inc()
		logger := log.WithProject(p.ID)
		logger.Info().
			Str("from", string(prev)).
			Str("to", string(newState)).
			Str("signal", string(sig)).
			Msg("Project transitioned")
		s.publish(events.EventProjectTransition, p, string(sig))
		if newState == types.StateDestroyed {
			s.publish(events.EventProjectDestroyed, p, "")
		}
	}

	// A confirmed stop or removal completes the Stopping and Destroying
	// states via a follow-up signal, as a fresh serialized task.
	if followUp == types.SignalContainerGone &&
		(p.State == types.StateStopping || p.State == types.StateDestroying) {
		return s.Enqueue(&types.Task{
			ProjectID: p.ID,
			Kind:      types.TaskAdvance,
			Signal:    types.SignalContainerGone,
		})
	}
	return nil
}

func (s *Scheduler) applyEffect(ctx context.Context, p *types.Project, eff lifecycle.Effect) (types.Signal, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.Runtime.OpTimeout)
	defer cancel()

	switch eff.Kind {
	case lifecycle.EffectCreateContainer:
		if p.ContainerID != "" {
			return "", nil
		}
		if p.Port == 0 {
			port, err := allocatePort()
			if err != nil {
				return "", fmt.Errorf("allocate port: %w", err)
			}
			p.Port = port
		}
		id, err := s.runtime.Create(opCtx, types.ContainerSpec{
			ProjectID: p.ID,
			Name:      p.Name,
			Image:     p.Image,
			Env:       p.Env,
			Port:      p.Port,
			Labels:    p.Labels,
		})
		if err != nil {
			return "", err
		}
		p.ContainerID = id
		p.ContainerAddr = "127.0.0.1"
		p.UpdatedAt = time.Now()
		if err := s.store.UpdateProject(p); err != nil {
			return "", fmt.Errorf("persist container id: %w", err)
		}
		s.gate.ContainerCreated()
		return "", nil

	case lifecycle.EffectStartContainer:
		if p.ContainerID == "" {
			return "", fmt.Errorf("no container recorded for project %s", p.Name)
		}
		return "", s.runtime.Start(opCtx, p.ContainerID)

	case lifecycle.EffectStopContainer:
		if p.ContainerID == "" {
			return types.SignalContainerGone, nil
		}
		if err := s.runtime.Stop(opCtx, p.ContainerID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return types.SignalContainerGone, nil
			}
			return "", err
		}
		return types.SignalContainerGone, nil

	case lifecycle.EffectRemoveContainer:
		if p.ContainerID == "" {
			return types.SignalContainerGone, nil
		}
		if err := s.runtime.Remove(opCtx, p.ContainerID); err != nil {
			return "", err
		}
		s.gate.ContainerRemoved()
		p.ContainerID = ""
		p.ContainerAddr = ""
		p.UpdatedAt = time.Now()
		if err := s.store.UpdateProject(p); err != nil {
			return "", fmt.Errorf("persist container removal: %w", err)
		}
		return types.SignalContainerGone, nil

	case lifecycle.EffectProbeHealth:
		return "", s.enqueueProbe(p)

	case lifecycle.EffectEnsureCertificate:
		if s.certs == nil {
			return "", nil
		}
		return "", s.certs.Ensure(ctx, hostnames(p))

	case lifecycle.EffectReleaseHostnames:
		if err := s.store.ReleaseName(p.Name); err != nil && !errors.Is(err, types.ErrNotFound) {
			return "", err
		}
		return "", nil
	}
	return "", fmt.Errorf("unknown effect %q", eff.Kind)
}

// enqueueProbe schedules a health-check task, spaced out by the project's
// consecutive failure count so a crashing supervisor is not hammered.
func (s *Scheduler) enqueueProbe(p *types.Project) error {
	t := &types.Task{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Kind:      types.TaskHealthCheck,
		CreatedAt: time.Now(),
	}
	if p.RetryCount == 0 {
		return s.Enqueue(t)
	}
	if err := s.store.PutTask(t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	s.requeueAfter(t, s.retryDelay(p.RetryCount))
	return nil
}

// healthCheck probes the project's in-container supervisor and feeds the
// outcome back into the state machine. Each probe is one task; retry loops
// happen through re-enqueued tasks, never inside a worker.
func (s *Scheduler) healthCheck(ctx context.Context, p *types.Project) error {
	switch p.State {
	case types.StateStarting, types.StateRestarting, types.StateReady:
	default:
		// The project moved on while this probe was queued.
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Lifecycle.HealthTimeout)
	defer cancel()

	// Cheap TCP reachability first; only a listening supervisor gets the
	// full status probe.
	var st supervisor.Status
	var err error
	tcp := health.NewTCPChecker(net.JoinHostPort(p.ContainerAddr, strconv.Itoa(p.Port))).
		WithTimeout(s.cfg.Lifecycle.HealthTimeout)
	if res := tcp.Check(probeCtx); !res.Healthy {
		err = errors.New(res.Message)
	} else {
		st, err = s.prober.Probe(probeCtx, p.ContainerAddr, p.Port)
	}
	now := time.Now()
	p.LastHealthCheck = now

	if err != nil || !st.Ready {
		p.RetryCount++
		if err != nil {
			p.LastError = err.Error()
		} else if st.Message != "" {
			p.LastError = st.Message
		}
		if uerr := s.store.UpdateProject(p); uerr != nil {
			return fmt.Errorf("persist health failure: %w", uerr)
		}
		wasReady := p.State == types.StateReady
		if aerr := s.advanceProject(ctx, p, types.SignalHealthCheckFailed); aerr != nil {
			return aerr
		}
		if wasReady {
			logger := log.WithProject(p.ID)
			logger.Warn().Str("error", p.LastError).Msg("Ready project failed health check")
		}
		return nil
	}

	p.RetryCount = 0
	p.LastError = ""
	if st.Port != 0 {
		p.Port = st.Port
	}
	if uerr := s.store.UpdateProject(p); uerr != nil {
		return fmt.Errorf("persist health success: %w", uerr)
	}
	return s.advanceProject(ctx, p, types.SignalHealthCheckPassed)
}

// sweepLoop enqueues one sweep task per tick. Sweeps ride the same queue
// as project work, so worker backpressure applies to them; a sweep still
// queued when the next tick lands has passed its deadline and is dropped
// unrun.
func (s *Scheduler) sweepLoop(every time.Duration, kind types.TaskKind) {
	defer s.wg.Done()
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	logger := log.WithComponent("scheduler")
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.Enqueue(&types.Task{Kind: kind, Deadline: time.Now().Add(every)})
			if err != nil {
				logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to enqueue sweep")
			}
		}
	}
}

// sweepIdle moves Ready projects past their idle deadline toward Idle.
func (s *Scheduler) sweepIdle(ctx context.Context) error {
	projects, err := s.store.ListProjects(store.ListFilter{State: types.StateReady})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range projects {
		deadline := p.IdleDeadline
		if t := p.LastTraffic.Add(s.cfg.Lifecycle.IdleWindow); t.After(deadline) {
			deadline = t
		}
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		err := s.Enqueue(&types.Task{
			ProjectID: p.ID,
			Kind:      types.TaskAdvance,
			Signal:    types.SignalIdleTimeoutElapsed,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepHealth re-probes quiet Ready projects and auto-revives Errored
// projects still inside the recovery cap.
func (s *Scheduler) sweepHealth(ctx context.Context) error {
	ready, err := s.store.ListProjects(store.ListFilter{State: types.StateReady})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.Scheduler.HealthSweepEvery)
	for _, p := range ready {
		if p.LastHealthCheck.After(cutoff) {
			continue
		}
		if err := s.Enqueue(&types.Task{ProjectID: p.ID, Kind: types.TaskHealthCheck}); err != nil {
			return err
		}
	}

	errored, err := s.store.ListProjects(store.ListFilter{State: types.StateErrored})
	if err != nil {
		return err
	}
	for _, p := range errored {
		if !s.machine.AutoReviveEligible(p) {
			continue
		}
		err := s.Enqueue(&types.Task{
			ProjectID: p.ID,
			Kind:      types.TaskAdvance,
			Signal:    types.SignalRevive,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) sweepCerts(ctx context.Context) error {
	if s.certs == nil {
		return nil
	}
	return s.certs.RenewDue(ctx)
}

// Recover rebuilds scheduler state after a restart: admission counters
// come back from the store, every project is reconciled against what the
// runtime actually reports, orphaned containers are removed, and persisted
// tasks are requeued. The store is authoritative throughout.
func (s *Scheduler) Recover(ctx context.Context) error {
	logger := log.WithComponent("scheduler")

	projects, err := s.store.ListProjects(store.ListFilter{})
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	known := make(map[string]bool)
	resident := 0
	for _, p := range projects {
		if p.ContainerID != "" {
			known[p.ContainerID] = true
			resident++
		}
	}
	s.gate.SetResident(resident)

	for _, p := range projects {
		if p.State.Terminal() && p.ContainerID == "" {
			continue
		}
		var observed *types.ContainerStatus
		if p.ContainerID != "" {
			st, err := s.runtime.Inspect(ctx, p.ContainerID)
			if err == nil {
				observed = &st
			} else if !errors.Is(err, types.ErrNotFound) {
				logger.Warn().Err(err).Str("project_id", p.ID).Msg("Inspect failed during recovery")
				continue
			}
		}
		newState, effs := s.machine.Reconcile(p, observed)
		if newState == p.State && len(effs) == 0 {
			continue
		}
		logger.Info().
			Str("project_id", p.ID).
			Str("from", string(p.State)).
			Str("to", string(newState)).
			Msg("Reconciling drifted project")
		p.State = newState
		p.UpdatedAt = time.Now()
		if err := s.store.UpdateProject(p); err != nil {
			logger.Error().Err(err).Str("project_id", p.ID).Msg("Failed to persist reconciled state")
			continue
		}
		for _, eff := range effs {
			if _, err := s.applyEffect(ctx, p, eff); err != nil {
				logger.Warn().Err(err).
					Str("project_id", p.ID).
					Str("effect", string(eff.Kind)).
					Msg("Reconcile effect failed")
				break
			}
		}
	}

	// Containers the store does not know about are removed, never adopted.
	ids, err := s.runtime.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list runtime containers during recovery")
	} else {
		for _, id := range ids {
			if known[id] {
				continue
			}
			logger.Warn().Str("container_id", id).Msg("Removing orphaned container")
			if err := s.runtime.Remove(ctx, id); err != nil {
				logger.Warn().Err(err).Str("container_id", id).Msg("Failed to remove orphaned container")
			}
		}
	}

	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	s.mu.Lock()
	for _, t := range tasks {
		if isDestroy(t) {
			s.pendingDestroy[t.ProjectID] = true
		}
	}
	for _, t := range tasks {
		s.pushLocked(t)
	}
	s.mu.Unlock()

	logger.Info().
		Int("projects", len(projects)).
		Int("tasks", len(tasks)).
		Int("resident", resident).
		Msg("Recovery complete")
	return nil
}

func (s *Scheduler) publish(typ events.EventType, p *types.Project, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		ProjectID: p.ID,
		Message:   msg,
		Metadata: map[string]string{
			"name":  p.Name,
			"state": string(p.State),
		},
	})
}

func hostnames(p *types.Project) []string {
	out := make([]string, 0, len(p.CustomDomains)+1)
	if p.Hostname != "" {
		out = append(out, p.Hostname)
	}
	return append(out, p.CustomDomains...)
}

// allocatePort reserves a free loopback port for a new container by
// binding and immediately releasing it. Host networking means the port
// is claimed for real once the supervisor starts listening.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
