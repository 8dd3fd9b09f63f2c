package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/fabrica/pkg/errors"
)

// Store persists component records keyed by (id, version). Implementations
// must make CommitEvolution atomic: the demote-and-insert pair either fully
// applies or fails with a VERSION_CONFLICT.
type Store interface {
	// Insert writes a brand-new record. Fails if (id, version) already exists.
	Insert(ctx context.Context, c Component) error

	// Get returns one version of a component.
	Get(ctx context.Context, id string, version int) (*Component, error)

	// Active returns the currently active version of a lineage.
	Active(ctx context.Context, id string) (*Component, error)

	// ListActive returns the active version of every lineage.
	ListActive(ctx context.Context) ([]Component, error)

	// Versions returns every version of a lineage, newest first.
	Versions(ctx context.Context, id string) ([]Component, error)

	// CommitEvolution atomically demotes the active version (which must equal
	// expectedVersion) to deprecated and inserts next as the new active.
	CommitEvolution(ctx context.Context, next Component, expectedVersion int) error

	// SetStatus updates the status of one version.
	SetStatus(ctx context.Context, id string, version int, status Status) error
}

type lineageKey struct {
	id      string
	version int
}

// MemStore is an in-process Store guarded by a single RWMutex. Reads serve
// from a snapshot copy; writes are serialized.
type MemStore struct {
	mu      sync.RWMutex
	records map[lineageKey]Component
}

// NewMemStore creates an empty in-memory component store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[lineageKey]Component)}
}

// Insert writes a brand-new record.
func (s *MemStore) Insert(_ context.Context, c Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lineageKey{c.ID, c.Version}
	if _, ok := s.records[key]; ok {
		return errors.New(errors.CodeStoreError, "duplicate component version", nil).
			WithContext("id", c.ID).
			WithContext("version", c.Version)
	}
	s.records[key] = cloneComponent(c)
	return nil
}

// Get returns one version of a component.
func (s *MemStore) Get(_ context.Context, id string, version int) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[lineageKey{id, version}]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "component version not found", nil).
			WithContext("id", id).
			WithContext("version", version)
	}
	out := cloneComponent(c)
	return &out, nil
}

// Active returns the currently active version of a lineage.
func (s *MemStore) Active(_ context.Context, id string) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(id)
}

func (s *MemStore) activeLocked(id string) (*Component, error) {
	found := false
	var active Component
	for key, c := range s.records {
		if key.id == id && c.Status == StatusActive {
			active = c
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New(errors.CodeNotFound, "no active version for component", nil).
			WithContext("id", id)
	}
	out := cloneComponent(active)
	return &out, nil
}

// ListActive returns the active version of every lineage.
func (s *MemStore) ListActive(_ context.Context) ([]Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Component, 0)
	for _, c := range s.records {
		if c.Status == StatusActive {
			out = append(out, cloneComponent(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Versions returns every version of a lineage, newest first.
func (s *MemStore) Versions(_ context.Context, id string) ([]Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Component, 0)
	for key, c := range s.records {
		if key.id == id {
			out = append(out, cloneComponent(c))
		}
	}
	if len(out) == 0 {
		return nil, errors.New(errors.CodeNotFound, "component not found", nil).
			WithContext("id", id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// CommitEvolution atomically swaps the active version of a lineage.
func (s *MemStore) CommitEvolution(_ context.Context, next Component, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.activeLocked(next.ID)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return errors.New(errors.CodeVersionConflict, "active version changed since read", nil).
			WithContext("id", next.ID).
			WithContext("expected", expectedVersion).
			WithContext("actual", cur.Version).
			WithRecoverable(true)
	}

	demoted := s.records[lineageKey{next.ID, cur.Version}]
	demoted.Status = StatusDeprecated
	demoted.UpdatedAt = next.CreatedAt
	s.records[lineageKey{next.ID, cur.Version}] = demoted
	s.records[lineageKey{next.ID, next.Version}] = cloneComponent(next)
	return nil
}

// SetStatus updates the status of one version.
func (s *MemStore) SetStatus(_ context.Context, id string, version int, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lineageKey{id, version}
	c, ok := s.records[key]
	if !ok {
		return errors.New(errors.CodeNotFound, "component version not found", nil).
			WithContext("id", id).
			WithContext("version", version)
	}
	c.Status = status
	s.records[key] = c
	return nil
}

func cloneComponent(c Component) Component {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	out.ContentVector = append([]float32(nil), c.ContentVector...)
	out.ApplicabilityVector = append([]float32(nil), c.ApplicabilityVector...)
	return out
}
