package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cloudhutch/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProjects     = []byte("projects")
	bucketNames        = []byte("names")
	bucketTasks        = []byte("tasks")
	bucketCertificates = []byte("certificates")
	bucketACME         = []byte("acme")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketNames,
			bucketTasks,
			bucketCertificates,
			bucketACME,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateProject writes the project and reserves its name in one transaction.
// The names bucket maps name -> project ID; an existing entry means the name
// is taken, regardless of who holds it.
func (s *BoltStore) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if existing := names.Get([]byte(p.Name)); existing != nil {
			return fmt.Errorf("%w: %s", types.ErrNameTaken, p.Name)
		}
		if err := names.Put([]byte(p.Name), []byte(p.ID)); err != nil {
			return err
		}

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProjects).Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetProjectByName(name string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketNames).Get([]byte(name))
		if id == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, name)
		}
		data := tx.Bucket(bucketProjects).Get(id)
		if data == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, name)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetProjectByHostname(host string) (*types.Project, error) {
	host = strings.ToLower(host)
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProjects).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			if p.Hostname == host {
				found = &p
				return nil
			}
			for _, d := range p.CustomDomains {
				if d == host {
					found = &p
					return nil
				}
			}
		}
		return fmt.Errorf("%w: hostname %s", types.ErrNotFound, host)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) ListProjects(f ListFilter) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if f.State != "" && p.State != f.State {
				return nil
			}
			projects = append(projects, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Stable order for pagination.
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return page(projects, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *BoltStore) UpdateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(p.ID)) == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, p.ID)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) TouchTraffic(id string, traffic, idleDeadline time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.LastTraffic = traffic
		p.IdleDeadline = idleDeadline
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) ReleaseName(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNames).Delete([]byte(name))
	})
}

// Task operations
func (s *BoltStore) PutTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// Certificate operations
func (s *BoltStore) PutCertificate(c *types.Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCertificates).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: certificate %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) CertificateForHost(host string) (*types.Certificate, error) {
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

// betterCertFor prefers an exact domain match over a wildcard, then the
// later expiry.
func betterCertFor(host string, a, b *types.Certificate) bool {
	ae, be := hasExactDomain(a, host), hasExactDomain(b, host)
	if ae != be {
		return ae
	}
	return a.NotAfter.After(b.NotAfter)
}

func hasExactDomain(c *types.Certificate, host string) bool {
	for _, d := range c.Domains {
		if d == host {
			return true
		}
	}
	return false
}

func (s *BoltStore) ListCertificates() ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var c types.Certificate
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			certs = append(certs, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

func (s *BoltStore) DeleteCertificate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Delete([]byte(id))
	})
}

// ACME account blob
func (s *BoltStore) SaveACMEAccount(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketACME).Put([]byte("account"), data)
	})
}

func (s *BoltStore) GetACMEAccount() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketACME).Get([]byte("account"))
		if v == nil {
			return fmt.Errorf("%w: acme account", types.ErrNotFound)
		}
		// Copy out: bolt data is only valid inside the transaction.
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
