package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.True(t, res.Healthy)
	assert.False(t, res.CheckedAt.IsZero())
}

func TestHTTPCheckerUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Message)
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	res := NewHTTPChecker("http://127.0.0.1:1/").
		WithTimeout(200 * time.Millisecond).
		Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestTCPCheckerHealthy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	res := NewTCPChecker(l.Addr().String()).Check(context.Background())
	assert.True(t, res.Healthy)
	assert.NotEmpty(t, res.Message)
}

func TestTCPCheckerClosedPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	res := NewTCPChecker(addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Message)
}
