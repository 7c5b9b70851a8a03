package store

import (
	"time"

	"github.com/cloudhutch/hutch/pkg/types"
)

// ListFilter narrows and pages ListProjects. Zero value lists everything.
type ListFilter struct {
	State  types.ProjectState
	Offset int
	Limit  int
}

// Store is the single source of truth for project lifecycle state. All
// components read and write through this interface; the proxy writes
// nothing except traffic timestamps. BoltStore is the durable production
// implementation, MemStore backs tests.
type Store interface {
	// CreateProject persists a new project and reserves its name atomically:
	// two concurrent creates for the same name see exactly one success, the
	// other fails with types.ErrNameTaken.
	CreateProject(p *types.Project) error
	GetProject(id string) (*types.Project, error)
	GetProjectByName(name string) (*types.Project, error)
	// GetProjectByHostname resolves either the platform hostname or a
	// custom domain.
	GetProjectByHostname(host string) (*types.Project, error)
	ListProjects(f ListFilter) ([]*types.Project, error)
	UpdateProject(p *types.Project) error
	// TouchTraffic updates only LastTraffic and IdleDeadline, atomically
	// against concurrent transitions. The proxy calls this on live traffic;
	// a full read-modify-write there could resurrect a state a transition
	// just replaced.
	TouchTraffic(id string, traffic, idleDeadline time.Time) error
	// ReleaseName frees a reserved name once a project is Destroyed, so the
	// name can be reused. The project record itself is retained.
	ReleaseName(name string) error

	// Tasks are persisted so in-flight work survives a process restart.
	PutTask(t *types.Task) error
	DeleteTask(id string) error
	ListTasks() ([]*types.Task, error)

	PutCertificate(c *types.Certificate) error
	GetCertificate(id string) (*types.Certificate, error)
	// CertificateForHost returns the freshest stored certificate covering
	// host, exact match preferred over wildcard.
	CertificateForHost(host string) (*types.Certificate, error)
	ListCertificates() ([]*types.Certificate, error)
	DeleteCertificate(id string) error

	// SaveACMEAccount and GetACMEAccount hold the serialized ACME
	// registration so the account survives restarts.
	SaveACMEAccount(data []byte) error
	GetACMEAccount() ([]byte, error)

	Close() error
}
