package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhutch/hutch/pkg/types"
)

func testMachine() *Machine {
	return NewMachine(Policy{HealthRetries: 3, ErrorRetryCap: 3})
}

func effectKinds(effs []Effect) []EffectKind {
	if len(effs) == 0 {
		return nil
	}
	kinds := make([]EffectKind, len(effs))
	for i, e := range effs {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestAdvanceTransitions(t *testing.T) {
	tests := []struct {
		name        string
		project     types.Project
		signal      types.Signal
		wantState   types.ProjectState
		wantEffects []EffectKind
	}{
		{
			name:      "creating starts with full bring-up",
			project:   types.Project{State: types.StateCreating},
			signal:    types.SignalUserStart,
			wantState: types.StateStarting,
			wantEffects: []EffectKind{
				EffectEnsureCertificate, EffectCreateContainer,
				EffectStartContainer, EffectProbeHealth,
			},
		},
		{
			name:      "starting becomes ready on passed health check",
			project:   types.Project{State: types.StateStarting},
			signal:    types.SignalHealthCheckPassed,
			wantState: types.StateReady,
		},
		{
			name:        "starting re-probes on failed health check under cap",
			project:     types.Project{State: types.StateStarting, RetryCount: 1},
			signal:      types.SignalHealthCheckFailed,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectProbeHealth},
		},
		{
			name:        "starting errors past the health retry cap",
			project:     types.Project{State: types.StateStarting, RetryCount: 3},
			signal:      types.SignalHealthCheckFailed,
			wantState:   types.StateErrored,
			wantEffects: []EffectKind{EffectStopContainer},
		},
		{
			name:        "ready goes idle on timeout",
			project:     types.Project{State: types.StateReady},
			signal:      types.SignalIdleTimeoutElapsed,
			wantState:   types.StateIdle,
			wantEffects: []EffectKind{EffectStopContainer},
		},
		{
			name:        "ready single health failure does not error",
			project:     types.Project{State: types.StateReady},
			signal:      types.SignalHealthCheckFailed,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectProbeHealth},
		},
		{
			name:        "idle wakes on user start without re-creating",
			project:     types.Project{State: types.StateIdle, ContainerID: "ctr-1"},
			signal:      types.SignalUserStart,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectStartContainer, EffectProbeHealth},
		},
		{
			name:      "ready restart rebuilds the container",
			project:   types.Project{State: types.StateReady, ContainerID: "ctr-1"},
			signal:    types.SignalUserRestart,
			wantState: types.StateRestarting,
			wantEffects: []EffectKind{
				EffectStopContainer, EffectRemoveContainer,
				EffectCreateContainer, EffectStartContainer, EffectProbeHealth,
			},
		},
		{
			name:      "idle restart rebuilds the container",
			project:   types.Project{State: types.StateIdle, ContainerID: "ctr-1"},
			signal:    types.SignalUserRestart,
			wantState: types.StateRestarting,
			wantEffects: []EffectKind{
				EffectRemoveContainer, EffectCreateContainer,
				EffectStartContainer, EffectProbeHealth,
			},
		},
		{
			name:      "stopped restart rebuilds the container",
			project:   types.Project{State: types.StateStopped, ContainerID: "ctr-1"},
			signal:    types.SignalUserRestart,
			wantState: types.StateStarting,
			wantEffects: []EffectKind{
				EffectRemoveContainer, EffectCreateContainer,
				EffectStartContainer, EffectProbeHealth,
			},
		},
		{
			name:      "stopping completes when container is gone",
			project:   types.Project{State: types.StateStopping},
			signal:    types.SignalContainerGone,
			wantState: types.StateStopped,
		},
		{
			name:        "stopped starts again",
			project:     types.Project{State: types.StateStopped, ContainerID: "ctr-1"},
			signal:      types.SignalUserStart,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectStartContainer, EffectProbeHealth},
		},
		{
			name:        "destroying completes and releases hostnames",
			project:     types.Project{State: types.StateDestroying},
			signal:      types.SignalContainerGone,
			wantState:   types.StateDestroyed,
			wantEffects: []EffectKind{EffectReleaseHostnames},
		},
		{
			name:        "destroying retries removal on runtime error",
			project:     types.Project{State: types.StateDestroying},
			signal:      types.SignalRuntimeError,
			wantState:   types.StateDestroying,
			wantEffects: []EffectKind{EffectRemoveContainer},
		},
		{
			name:        "errored revives with existing container",
			project:     types.Project{State: types.StateErrored, ContainerID: "ctr-1"},
			signal:      types.SignalRevive,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectStartContainer, EffectProbeHealth},
		},
		{
			name:      "errored revives from scratch without container",
			project:   types.Project{State: types.StateErrored},
			signal:    types.SignalRevive,
			wantState: types.StateStarting,
			wantEffects: []EffectKind{
				EffectCreateContainer, EffectStartContainer, EffectProbeHealth,
			},
		},
	}

	m := testMachine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.project
			newState, effs, err := m.Advance(&p, tt.signal)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, newState)
			assert.Equal(t, tt.wantEffects, effectKinds(effs))
		})
	}
}

func TestAdvanceDestroyFromAnyState(t *testing.T) {
	m := testMachine()
	states := []types.ProjectState{
		types.StateCreating, types.StateStarting, types.StateReady,
		types.StateIdle, types.StateRestarting, types.StateStopping,
		types.StateStopped, types.StateErrored,
	}
	for _, st := range states {
		p := types.Project{State: st, ContainerID: "ctr-1"}
		newState, effs, err := m.Advance(&p, types.SignalUserDestroy)
		require.NoError(t, err, "destroy from %s", st)
		assert.Equal(t, types.StateDestroying, newState, "destroy from %s", st)
		assert.Equal(t, []EffectKind{EffectStopContainer, EffectRemoveContainer}, effectKinds(effs))
	}
}

func TestAdvanceDestroyIdempotent(t *testing.T) {
	m := testMachine()

	p := types.Project{State: types.StateDestroyed}
	newState, effs, err := m.Advance(&p, types.SignalUserDestroy)
	require.NoError(t, err)
	assert.Equal(t, types.StateDestroyed, newState)
	assert.Empty(t, effs)

	p = types.Project{State: types.StateDestroying}
	newState, effs, err = m.Advance(&p, types.SignalUserDestroy)
	require.NoError(t, err)
	assert.Equal(t, types.StateDestroying, newState)
	assert.Equal(t, []EffectKind{EffectRemoveContainer}, effectKinds(effs))
}

func TestAdvanceRejectsInvalidTransitions(t *testing.T) {
	m := testMachine()
	tests := []struct {
		state  types.ProjectState
		signal types.Signal
	}{
		{types.StateCreating, types.SignalHealthCheckPassed},
		{types.StateReady, types.SignalUserStart},
		{types.StateStopped, types.SignalUserStop},
		{types.StateDestroyed, types.SignalUserStart},
		{types.StateDestroyed, types.SignalRevive},
		{types.StateErrored, types.SignalUserStart},
	}
	for _, tt := range tests {
		p := types.Project{State: tt.state}
		_, _, err := m.Advance(&p, tt.signal)
		require.Error(t, err, "%s in %s", tt.signal, tt.state)
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))

		var ite *types.InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, tt.state, ite.State)
		assert.Equal(t, tt.signal, ite.Signal)
	}
}

func TestAdvanceNeverMutates(t *testing.T) {
	m := testMachine()
	p := types.Project{State: types.StateReady, ContainerID: "ctr-1", RetryCount: 2}
	before := p

	_, _, err := m.Advance(&p, types.SignalUserRestart)
	require.NoError(t, err)
	assert.Equal(t, before, p)
}

func TestAutoReviveEligible(t *testing.T) {
	m := testMachine()

	assert.True(t, m.AutoReviveEligible(&types.Project{State: types.StateErrored, RetryCount: 2}))
	assert.False(t, m.AutoReviveEligible(&types.Project{State: types.StateErrored, RetryCount: 3}))
	assert.False(t, m.AutoReviveEligible(&types.Project{State: types.StateReady}))
}

func TestReconcile(t *testing.T) {
	m := testMachine()

	tests := []struct {
		name        string
		project     types.Project
		observed    *types.ContainerStatus
		wantState   types.ProjectState
		wantEffects []EffectKind
	}{
		{
			name:        "ready with vanished container restarts",
			project:     types.Project{State: types.StateReady, ContainerID: "ctr-1"},
			observed:    nil,
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectStartContainer, EffectProbeHealth},
		},
		{
			name:        "ready with stopped container restarts",
			project:     types.Project{State: types.StateReady, ContainerID: "ctr-1"},
			observed:    &types.ContainerStatus{ID: "ctr-1", Running: false},
			wantState:   types.StateStarting,
			wantEffects: []EffectKind{EffectStartContainer, EffectProbeHealth},
		},
		{
			name:      "ready with running container is fine",
			project:   types.Project{State: types.StateReady, ContainerID: "ctr-1"},
			observed:  &types.ContainerStatus{ID: "ctr-1", Running: true},
			wantState: types.StateReady,
		},
		{
			name:        "idle with running container stops it again",
			project:     types.Project{State: types.StateIdle, ContainerID: "ctr-1"},
			observed:    &types.ContainerStatus{ID: "ctr-1", Running: true},
			wantState:   types.StateIdle,
			wantEffects: []EffectKind{EffectStopContainer},
		},
		{
			name:        "destroying resumes removal",
			project:     types.Project{State: types.StateDestroying, ContainerID: "ctr-1"},
			observed:    &types.ContainerStatus{ID: "ctr-1", Running: false},
			wantState:   types.StateDestroying,
			wantEffects: []EffectKind{EffectRemoveContainer},
		},
		{
			name:        "destroyed with leftover container removes it",
			project:     types.Project{State: types.StateDestroyed, ContainerID: "ctr-1"},
			observed:    &types.ContainerStatus{ID: "ctr-1", Running: false},
			wantState:   types.StateDestroyed,
			wantEffects: []EffectKind{EffectRemoveContainer},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.project
			newState, effs := m.Reconcile(&p, tt.observed)
			assert.Equal(t, tt.wantState, newState)
			assert.Equal(t, tt.wantEffects, effectKinds(effs))
		})
	}
}
