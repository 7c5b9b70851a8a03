package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhutch/hutch/pkg/types"
)

// both implementations must behave identically
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("bolt", func(t *testing.T) {
		s, err := NewBoltStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

func newProject(id, name string) *types.Project {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Project{
		ID:        id,
		Name:      name,
		State:     types.StateCreating,
		Image:     "registry.test/app:latest",
		Hostname:  name + ".hutch.dev",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateProjectReservesName(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateProject(newProject("p1", "blog")))

		err := s.CreateProject(newProject("p2", "blog"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrNameTaken))

		// The loser left nothing behind.
		_, err = s.GetProject("p2")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestCreateProjectNameRace(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		const racers = 20
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CreateProject(newProject("p-"+string(rune('a'+i)), "contested"))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.True(t, errors.Is(err, types.ErrNameTaken))
			}
		}
		assert.Equal(t, 1, wins, "exactly one create may win the name")
	})
}

func TestReleaseNameAllowsReuse(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateProject(newProject("p1", "blog")))
		require.NoError(t, s.ReleaseName("blog"))
		require.NoError(t, s.CreateProject(newProject("p2", "blog")))

		// The old record is retained under its ID.
		old, err := s.GetProject("p1")
		require.NoError(t, err)
		assert.Equal(t, "blog", old.Name)
	})
}

func TestGetProjectByHostname(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		p := newProject("p1", "blog")
		p.CustomDomains = []string{"www.example.com"}
		require.NoError(t, s.CreateProject(p))

		got, err := s.GetProjectByHostname("blog.hutch.dev")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.ID)

		got, err = s.GetProjectByHostname("www.example.com")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.ID)

		_, err = s.GetProjectByHostname("other.hutch.dev")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestListProjectsFilterAndPaging(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		for _, name := range []string{"alpha", "bravo", "charlie", "delta"} {
			p := newProject("id-"+name, name)
			if name == "charlie" {
				p.State = types.StateReady
			}
			require.NoError(t, s.CreateProject(p))
		}

		all, err := s.ListProjects(ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		ready, err := s.ListProjects(ListFilter{State: types.StateReady})
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, "charlie", ready[0].Name)

		paged, err := s.ListProjects(ListFilter{Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, paged, 2)
		assert.Equal(t, "bravo", paged[0].Name)
		assert.Equal(t, "charlie", paged[1].Name)

		past, err := s.ListProjects(ListFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, past)
	})
}

func TestUpdateProjectRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		p := newProject("p1", "blog")
		require.NoError(t, s.CreateProject(p))

		p.State = types.StateReady
		p.ContainerID = "ctr-1"
		p.Port = 8080
		require.NoError(t, s.UpdateProject(p))

		got, err := s.GetProject("p1")
		require.NoError(t, err)
		assert.Equal(t, types.StateReady, got.State)
		assert.Equal(t, "ctr-1", got.ContainerID)
		assert.Equal(t, 8080, got.Port)

		err = s.UpdateProject(newProject("ghost", "ghost"))
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestTasksSurviveOrdered(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		base := time.Now().UTC().Truncate(time.Millisecond)
		offsets := map[string]int{"t1": 0, "t2": 1, "t3": 2}
		// inserted out of order on purpose
		for _, id := range []string{"t3", "t1", "t2"} {
			require.NoError(t, s.PutTask(&types.Task{
				ID:        id,
				ProjectID: "p1",
				Kind:      types.TaskAdvance,
				Signal:    types.SignalUserStart,
				CreatedAt: base.Add(time.Duration(offsets[id]) * time.Second),
			}))
		}

		tasks, err := s.ListTasks()
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, "t1", tasks[0].ID)
		assert.Equal(t, "t2", tasks[1].ID)
		assert.Equal(t, "t3", tasks[2].ID)

		require.NoError(t, s.DeleteTask("t2"))
		tasks, err = s.ListTasks()
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})
}

func TestCertificateForHostPreference(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		wildcard := &types.Certificate{
			ID:       "wild",
			Domains:  []string{"*.hutch.dev"},
			NotAfter: now.Add(60 * 24 * time.Hour),
		}
		exact := &types.Certificate{
			ID:       "exact",
			Domains:  []string{"blog.hutch.dev"},
			NotAfter: now.Add(30 * 24 * time.Hour),
		}
		require.NoError(t, s.PutCertificate(wildcard))
		require.NoError(t, s.PutCertificate(exact))

		// Exact beats wildcard even with an earlier expiry.
		got, err := s.CertificateForHost("blog.hutch.dev")
		require.NoError(t, err)
		assert.Equal(t, "exact", got.ID)

		// Only the wildcard covers other names.
		got, err = s.CertificateForHost("shop.hutch.dev")
		require.NoError(t, err)
		assert.Equal(t, "wild", got.ID)

		_, err = s.CertificateForHost("example.org")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestCertificateForHostPrefersLaterExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		require.NoError(t, s.PutCertificate(&types.Certificate{
			ID: "old", Domains: []string{"blog.hutch.dev"}, NotAfter: now.Add(24 * time.Hour),
		}))
		require.NoError(t, s.PutCertificate(&types.Certificate{
			ID: "new", Domains: []string{"blog.hutch.dev"}, NotAfter: now.Add(48 * time.Hour),
		}))

		got, err := s.CertificateForHost("blog.hutch.dev")
		require.NoError(t, err)
		assert.Equal(t, "new", got.ID)
	})
}

func TestACMEAccountRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetACMEAccount()
		assert.True(t, errors.Is(err, types.ErrNotFound))

		require.NoError(t, s.SaveACMEAccount([]byte(`{"email":"ops@hutch.dev"}`)))
		data, err := s.GetACMEAccount()
		require.NoError(t, err)
		assert.JSONEq(t, `{"email":"ops@hutch.dev"}`, string(data))
	})
}

func TestTouchTrafficUpdatesOnlyTrafficFields(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		p := newProject("p1", "blog")
		p.State = types.StateReady
		p.ContainerID = "ctr-1"
		require.NoError(t, s.CreateProject(p))

		now := time.Now().UTC().Truncate(time.Millisecond)
		deadline := now.Add(10 * time.Minute)
		require.NoError(t, s.TouchTraffic("p1", now, deadline))

		got, err := s.GetProject("p1")
		require.NoError(t, err)
		assert.True(t, got.LastTraffic.Equal(now))
		assert.True(t, got.IdleDeadline.Equal(deadline))
		assert.Equal(t, types.StateReady, got.State)
		assert.Equal(t, "ctr-1", got.ContainerID)
	})
}

func TestTouchTrafficDoesNotResurrectReplacedState(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		p := newProject("p1", "blog")
		p.State = types.StateReady
		p.ContainerID = "ctr-1"
		require.NoError(t, s.CreateProject(p))

		// A stale handler snapshot must not matter: the touch targets the
		// record by id, so a transition landing first stays landed.
		snapshot, err := s.GetProject("p1")
		require.NoError(t, err)
		require.Equal(t, types.StateReady, snapshot.State)

		idle, err := s.GetProject("p1")
		require.NoError(t, err)
		idle.State = types.StateIdle
		idle.ContainerID = ""
		require.NoError(t, s.UpdateProject(idle))

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.TouchTraffic(snapshot.ID, now, now.Add(10*time.Minute)))

		got, err := s.GetProject("p1")
		require.NoError(t, err)
		assert.Equal(t, types.StateIdle, got.State)
		assert.Empty(t, got.ContainerID)
		assert.True(t, got.LastTraffic.Equal(now))
	})
}

func TestTouchTrafficUnknownProject(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		err := s.TouchTraffic("ghost", time.Now(), time.Now())
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}
