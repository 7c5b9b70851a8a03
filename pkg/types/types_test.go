package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCertificateCovers(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
		host    string
		covered bool
	}{
		{"exact match", []string{"blog.hutch.dev"}, "blog.hutch.dev", true},
		{"wildcard match", []string{"*.hutch.dev"}, "blog.hutch.dev", true},
		{"wildcard misses apex", []string{"*.hutch.dev"}, "hutch.dev", false},
		{"wildcard misses deeper label", []string{"*.hutch.dev"}, "a.b.hutch.dev", false},
		{"no match", []string{"blog.hutch.dev"}, "shop.hutch.dev", false},
		{"multiple domains", []string{"a.dev", "b.dev"}, "b.dev", true},
		{"empty", nil, "blog.hutch.dev", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Certificate{Domains: tt.domains}
			assert.Equal(t, tt.covered, c.Covers(tt.host))
		})
	}
}

func TestTaskAdmissionGated(t *testing.T) {
	gated := []Task{
		{Kind: TaskAdvance, Signal: SignalUserStart},
		{Kind: TaskAdvance, Signal: SignalUserRestart},
		{Kind: TaskAdvance, Signal: SignalRevive},
	}
	for _, task := range gated {
		assert.True(t, task.AdmissionGated(), "signal %s", task.Signal)
	}

	ungated := []Task{
		{Kind: TaskAdvance, Signal: SignalUserStop},
		{Kind: TaskAdvance, Signal: SignalUserDestroy},
		{Kind: TaskAdvance, Signal: SignalIdleTimeoutElapsed},
		{Kind: TaskHealthCheck},
		{Kind: TaskDestroy, Signal: SignalUserDestroy},
	}
	for _, task := range ungated {
		assert.False(t, task.AdmissionGated(), "kind %s signal %s", task.Kind, task.Signal)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrNameTaken))
	assert.False(t, IsRetryable(ErrInvalidTransition))
	assert.False(t, IsRetryable(ErrCapacity))
	assert.False(t, IsRetryable(ErrRetryExhausted))

	assert.False(t, IsRetryable(fmt.Errorf("create: %w", ErrNameTaken)))
	assert.False(t, IsRetryable(&InvalidTransitionError{State: StateReady, Signal: SignalUserStart}))

	assert.True(t, IsRetryable(errors.New("connection refused")))
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateDestroyed.Terminal())
	assert.False(t, StateErrored.Terminal(), "errored projects can be revived")
	assert.True(t, StateReady.Routable())
	assert.False(t, StateIdle.Routable())
}
