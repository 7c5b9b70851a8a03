package lifecycle

import (
	"github.com/cloudhutch/hutch/pkg/types"
)

// EffectKind identifies a declarative side effect requested by a transition.
type EffectKind string

const (
	// EffectCreateContainer creates the project's container from its spec.
	EffectCreateContainer EffectKind = "create-container"
	// EffectStartContainer starts the recorded container.
	EffectStartContainer EffectKind = "start-container"
	// EffectStopContainer stops the recorded container.
	EffectStopContainer EffectKind = "stop-container"
	// EffectRemoveContainer removes the recorded container; executed until
	// the runtime confirms the container is gone.
	EffectRemoveContainer EffectKind = "remove-container"
	// EffectProbeHealth schedules a health-check task for the project. Each
	// retry is a fresh task, never a loop inside one.
	EffectProbeHealth EffectKind = "probe-health"
	// EffectEnsureCertificate asks the certificate manager to cover the
	// project's hostnames.
	EffectEnsureCertificate EffectKind = "ensure-certificate"
	// EffectReleaseHostnames frees the project's name and hostname bindings
	// after destruction.
	EffectReleaseHostnames EffectKind = "release-hostnames"
)

// Effect is a single declarative side effect. All effects target the
// project the transition was computed for.
type Effect struct {
	Kind EffectKind
}

func effects(kinds ...EffectKind) []Effect {
	out := make([]Effect, len(kinds))
	for i, k := range kinds {
		out[i] = Effect{Kind: k}
	}
	return out
}

// Policy holds the numeric knobs of the state machine. All values come from
// configuration; the machine fixes their effect, not their defaults.
type Policy struct {
	// HealthRetries is how many consecutive health-check failures a
	// Starting or Restarting project survives before Errored.
	HealthRetries int
	// ErrorRetryCap bounds automatic recovery attempts from Errored; past
	// it only an explicit revive moves the project.
	ErrorRetryCap int
}

// Machine is the project state machine. Stateless; safe for concurrent use.
type Machine struct {
	policy Policy
}

func NewMachine(p Policy) *Machine {
	return &Machine{policy: p}
}

// Advance is the pure decision function: given the project's current
// snapshot and a signal, it returns the next state and the side effects the
// transition requires. It never mutates p and performs no I/O. A signal not
// valid for the current state returns types.ErrInvalidTransition.
func (m *Machine) Advance(p *types.Project, sig types.Signal) (types.ProjectState, []Effect, error) {
	// Destroy is accepted from every state. On a Destroyed project it is an
	// idempotent no-op; mid-destruction it re-issues the removal.
	if sig == types.SignalUserDestroy {
		switch p.State {
		case types.StateDestroyed:
			return types.StateDestroyed, nil, nil
		case types.StateDestroying:
			return types.StateDestroying, effects(EffectRemoveContainer), nil
		default:
			return types.StateDestroying, effects(EffectStopContainer, EffectRemoveContainer), nil
		}
	}

	switch p.State {
	case types.StateCreating:
		if sig == types.SignalUserStart {
			return types.StateStarting, effects(
				EffectEnsureCertificate,
				EffectCreateContainer,
				EffectStartContainer,
				EffectProbeHealth,
			), nil
		}

	case types.StateStarting, types.StateRestarting:
		switch sig {
		case types.SignalHealthCheckPassed:
			return types.StateReady, nil, nil
		case types.SignalHealthCheckFailed:
			if p.RetryCount >= m.policy.HealthRetries {
				return types.StateErrored, effects(EffectStopContainer), nil
			}
			return p.State, effects(EffectProbeHealth), nil
		case types.SignalRuntimeError:
			return types.StateErrored, effects(EffectStopContainer), nil
		case types.SignalUserStop:
			return types.StateStopping, effects(EffectStopContainer), nil
		}

	case types.StateReady:
		switch sig {
		case types.SignalHealthCheckPassed:
			return types.StateReady, nil, nil
		case types.SignalHealthCheckFailed:
			// One failure does not evict live traffic; re-probe and let the
			// retry cap decide.
			return types.StateStarting, effects(EffectProbeHealth), nil
		case types.SignalIdleTimeoutElapsed:
			return types.StateIdle, effects(EffectStopContainer), nil
		case types.SignalUserStop:
			return types.StateStopping, effects(EffectStopContainer), nil
		case types.SignalUserRestart:
			// Restart rebuilds the container from the stored spec, so an
			// updated image or env takes effect here.
			return types.StateRestarting, effects(
				EffectStopContainer,
				EffectRemoveContainer,
				EffectCreateContainer,
				EffectStartContainer,
				EffectProbeHealth,
			), nil
		case types.SignalRuntimeError:
			return types.StateErrored, effects(EffectStopContainer), nil
		}

	case types.StateIdle:
		switch sig {
		case types.SignalUserStart:
			// The lazy wake path: first new connection for the hostname.
			return types.StateStarting, effects(EffectStartContainer, EffectProbeHealth), nil
		case types.SignalUserStop:
			return types.StateStopping, effects(EffectStopContainer), nil
		case types.SignalUserRestart:
			return types.StateRestarting, effects(
				EffectRemoveContainer,
				EffectCreateContainer,
				EffectStartContainer,
				EffectProbeHealth,
			), nil
		}

	case types.StateStopping:
		switch sig {
		case types.SignalContainerGone:
			return types.StateStopped, nil, nil
		case types.SignalRuntimeError:
			return types.StateErrored, nil, nil
		}

	case types.StateStopped:
		switch sig {
		case types.SignalUserStart:
			return types.StateStarting, effects(EffectStartContainer, EffectProbeHealth), nil
		case types.SignalUserRestart:
			return types.StateStarting, effects(
				EffectRemoveContainer,
				EffectCreateContainer,
				EffectStartContainer,
				EffectProbeHealth,
			), nil
		}

	case types.StateDestroying:
		switch sig {
		case types.SignalContainerGone:
			return types.StateDestroyed, effects(EffectReleaseHostnames), nil
		case types.SignalRuntimeError:
			// Removal is not atomic; keep retrying until confirmed gone.
			return types.StateDestroying, effects(EffectRemoveContainer), nil
		}

	case types.StateErrored:
		switch sig {
		case types.SignalRevive:
			if p.ContainerID == "" {
				return types.StateStarting, effects(
					EffectCreateContainer,
					EffectStartContainer,
					EffectProbeHealth,
				), nil
			}
			return types.StateStarting, effects(EffectStartContainer, EffectProbeHealth), nil
		case types.SignalRuntimeError, types.SignalHealthCheckFailed:
			return types.StateErrored, nil, nil
		}

	case types.StateDestroyed:
		// Terminal. Only the Destroy no-op above is accepted.
	}

	return p.State, nil, &types.InvalidTransitionError{State: p.State, Signal: sig}
}

// AutoReviveEligible reports whether an Errored project is still inside the
// automatic recovery cap. Past the cap only an explicit revive applies.
func (m *Machine) AutoReviveEligible(p *types.Project) bool {
	return p.State == types.StateErrored && p.RetryCount < m.policy.ErrorRetryCap
}

// Reconcile compares the store's recorded view of a project with the
// runtime's observed container status and returns corrective effects. The
// store is authoritative: an observed container the store does not expect
// is removed, never adopted; a missing container for a Ready project
// triggers a restart.
func (m *Machine) Reconcile(p *types.Project, observed *types.ContainerStatus) (types.ProjectState, []Effect) {
	switch p.State {
	case types.StateReady, types.StateStarting, types.StateRestarting:
		if observed == nil || !observed.Running {
			// Backend vanished under a live project: bring it back.
			return types.StateStarting, effects(EffectStartContainer, EffectProbeHealth)
		}
	case types.StateIdle, types.StateStopped, types.StateStopping:
		if observed != nil && observed.Running {
			// Recorded stopped, observed running: stop it again.
			return p.State, effects(EffectStopContainer)
		}
	case types.StateDestroying:
		return types.StateDestroying, effects(EffectRemoveContainer)
	case types.StateDestroyed:
		if observed != nil {
			return types.StateDestroyed, effects(EffectRemoveContainer)
		}
	}
	return p.State, nil
}
