package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/types"
)

// fakeQueue records enqueued tasks and runs an optional hook, standing in
// for the scheduler on the wake path.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     []*types.Task
	onEnqueue func(*types.Task)
}

func (q *fakeQueue) Enqueue(t *types.Task) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	hook := q.onEnqueue
	q.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (q *fakeQueue) enqueued() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*types.Task(nil), q.tasks...)
}

func testProxyConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			WakeWait:      500 * time.Millisecond,
			WakePollEvery: 10 * time.Millisecond,
		},
		Lifecycle: config.LifecycleConfig{IdleWindow: time.Minute},
	}
}

func seedRoutedProject(t *testing.T, st store.Store, name string, state types.ProjectState, backend string) *types.Project {
	t.Helper()
	p := &types.Project{
		ID:       "proj-" + name,
		Name:     name,
		State:    state,
		Hostname: name + ".hutch.dev",
	}
	if backend != "" {
		host, portStr, err := net.SplitHostPort(backend)
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		p.ContainerAddr = host
		p.Port = port
	}
	require.NoError(t, st.CreateProject(p))
	return p
}

func TestHandleUnknownHostname(t *testing.T) {
	p := NewProxy(store.NewMemStore(), &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://nobody.hutch.dev/", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStoppedProject(t *testing.T) {
	st := store.NewMemStore()
	seedRoutedProject(t, st, "parked", types.StateStopped, "")
	p := NewProxy(st, &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://parked.hutch.dev/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
}

func TestHandleErroredProject(t *testing.T) {
	st := store.NewMemStore()
	seedRoutedProject(t, st, "crashed", types.StateErrored, "")
	p := NewProxy(st, &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://crashed.hutch.dev/", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestForwardToReadyBackend(t *testing.T) {
	var gotHost, gotFor, gotProto string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotFor = r.Header.Get("X-Forwarded-For")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "hello from backend")
	}))
	defer backend.Close()

	st := store.NewMemStore()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	proj := seedRoutedProject(t, st, "shop", types.StateReady, u.Host)

	p := NewProxy(st, &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://shop.hutch.dev/cart", nil)
	r.RemoteAddr = "203.0.113.9:41812"
	p.handle(w, r)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "hello from backend", w.Body.String())
	assert.Equal(t, "shop.hutch.dev", gotHost)
	assert.Equal(t, "203.0.113.9", gotFor)
	assert.Equal(t, "http", gotProto)

	// Traffic touch is asynchronous.
	require.Eventually(t, func() bool {
		got, err := st.GetProject(proj.ID)
		require.NoError(t, err)
		return !got.LastTraffic.IsZero() && !got.IdleDeadline.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForwardWithoutBackendAddr(t *testing.T) {
	st := store.NewMemStore()
	seedRoutedProject(t, st, "hollow", types.StateReady, "")
	p := NewProxy(st, &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://hollow.hutch.dev/", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestWakeIdleProject(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "awake")
	}))
	defer backend.Close()

	st := store.NewMemStore()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	proj := seedRoutedProject(t, st, "sleeper", types.StateIdle, u.Host)

	q := &fakeQueue{}
	q.onEnqueue = func(task *types.Task) {
		// Simulate the scheduler bringing the container back.
		got, err := st.GetProject(task.ProjectID)
		require.NoError(t, err)
		got.State = types.StateReady
		require.NoError(t, st.UpdateProject(got))
	}
	p := NewProxy(st, q, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://sleeper.hutch.dev/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "awake", w.Body.String())

	tasks := q.enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, proj.ID, tasks[0].ProjectID)
	assert.Equal(t, types.TaskAdvance, tasks[0].Kind)
	assert.Equal(t, types.SignalUserStart, tasks[0].Signal)
}

func TestStartingProjectWaitsWithoutWake(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "up")
	}))
	defer backend.Close()

	st := store.NewMemStore()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	proj := seedRoutedProject(t, st, "booting", types.StateStarting, u.Host)

	// Another actor finishes the start while the connection is held.
	go func() {
		time.Sleep(50 * time.Millisecond)
		got, err := st.GetProject(proj.ID)
		if err != nil {
			return
		}
		got.State = types.StateReady
		_ = st.UpdateProject(got)
	}()

	q := &fakeQueue{}
	p := NewProxy(st, q, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://booting.hutch.dev/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	// A project already on its way up must not be re-woken.
	assert.Empty(t, q.enqueued())
}

func TestWakeTimesOut(t *testing.T) {
	st := store.NewMemStore()
	seedRoutedProject(t, st, "stuck", types.StateIdle, "")

	q := &fakeQueue{} // scheduler never flips the project to Ready
	p := NewProxy(st, q, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://stuck.hutch.dev/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Len(t, q.enqueued(), 1)
}

func TestWakeBailsOnErroredProject(t *testing.T) {
	st := store.NewMemStore()
	seedRoutedProject(t, st, "doomed", types.StateIdle, "")

	q := &fakeQueue{}
	q.onEnqueue = func(task *types.Task) {
		got, err := st.GetProject(task.ProjectID)
		require.NoError(t, err)
		got.State = types.StateErrored
		require.NoError(t, st.UpdateProject(got))
	}
	p := NewProxy(st, q, nil, testProxyConfig())

	start := time.Now()
	w := httptest.NewRecorder()
	p.handle(w, httptest.NewRequest(http.MethodGet, "http://doomed.hutch.dev/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	// Errored cuts the wait short instead of burning the whole wake window.
	assert.Less(t, time.Since(start), testProxyConfig().Proxy.WakeWait)
}

func TestChallengeWithoutCertManager(t *testing.T) {
	p := NewProxy(store.NewMemStore(), &fakeQueue{}, nil, testProxyConfig())

	w := httptest.NewRecorder()
	p.handleHTTP(w, httptest.NewRequest(http.MethodGet,
		"http://any.hutch.dev/.well-known/acme-challenge/tok123", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "app.hutch.dev", hostOnly("app.hutch.dev:443"))
	assert.Equal(t, "app.hutch.dev", hostOnly("app.hutch.dev"))
}
