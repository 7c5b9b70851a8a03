package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudhutch/hutch/pkg/types"
)

// MemStore is an in-memory Store for tests. Same semantics as BoltStore,
// including atomic name reservation, without the disk.
type MemStore struct {
	mu       sync.RWMutex
	projects map[string]*types.Project
	names    map[string]string
	tasks    map[string]*types.Task
	certs    map[string]*types.Certificate
	acme     []byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		projects: make(map[string]*types.Project),
		names:    make(map[string]string),
		tasks:    make(map[string]*types.Task),
		certs:    make(map[string]*types.Certificate),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.names[p.Name]; taken {
		return fmt.Errorf("%w: %s", types.ErrNameTaken, p.Name)
	}
	s.names[p.Name] = p.ID
	s.projects[p.ID] = clone(p)
	return nil
}

func (s *MemStore) GetProject(id string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", types.ErrNotFound, id)
	}
	return clone(p), nil
}

func (s *MemStore) GetProjectByName(name string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", types.ErrNotFound, name)
	}
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", types.ErrNotFound, name)
	}
	return clone(p), nil
}

func (s *MemStore) GetProjectByHostname(host string) (*types.Project, error) {
	host = strings.ToLower(host)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Hostname == host {
			return clone(p), nil
		}
		for _, d := range p.CustomDomains {
			if d == host {
				return clone(p), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: hostname %s", types.ErrNotFound, host)
}

func (s *MemStore) ListProjects(f ListFilter) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var projects []*types.Project
	for _, p := range s.projects {
		if f.State != "" && p.State != f.State {
			continue
		}
		projects = append(projects, clone(p))
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return page(projects, f.Offset, f.Limit), nil
}

func (s *MemStore) UpdateProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return fmt.Errorf("%w: project %s", types.ErrNotFound, p.ID)
	}
	s.projects[p.ID] = clone(p)
	return nil
}

func (s *MemStore) TouchTraffic(id string, traffic, idleDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
	}
	p.LastTraffic = traffic
	p.IdleDeadline = idleDeadline
	return nil
}

func (s *MemStore) ReleaseName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
	return nil
}

func (s *MemStore) PutTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemStore) ListTasks() ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*types.Task
	for _, t := range s.tasks {
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemStore) PutCertificate(c *types.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.certs[c.ID] = &cp
	return nil
}

func (s *MemStore) GetCertificate(id string) (*types.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", types.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) CertificateForHost(host string) (*types.Certificate, error) {
	certs, err := s.ListCertificates()
	if err != nil {
		return nil, err
	}
	var best *types.Certificate
	for _, c := range certs {
		if !c.Covers(host) {
			continue
		}
		if best == nil || betterCertFor(host, c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: certificate for %s", types.ErrNotFound, host)
	}
	return best, nil
}

func (s *MemStore) ListCertificates() ([]*types.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var certs []*types.Certificate
	for _, c := range s.certs {
		cp := *c
		certs = append(certs, &cp)
	}
	return certs, nil
}

func (s *MemStore) DeleteCertificate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.certs, id)
	return nil
}

func (s *MemStore) SaveACMEAccount(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acme = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) GetACMEAccount() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.acme == nil {
		return nil, fmt.Errorf("%w: acme account", types.ErrNotFound)
	}
	return append([]byte(nil), s.acme...), nil
}

func clone(p *types.Project) *types.Project {
	cp := *p
	cp.Env = append([]string(nil), p.Env...)
	cp.CustomDomains = append([]string(nil), p.CustomDomains...)
	if p.Labels != nil {
		cp.Labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}
