package service

import (
	"sort"
	"sync"
	"time"

	"PromptToVideo-server/models"
)

// MemoryStore keeps snapshots and audit history in process memory. It is the
// map-backed twin of the MySQL store: same mutation semantics, no durability.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]*memProject
}

type memProject struct {
	mu       sync.Mutex
	snapshot *Snapshot
	history  []Mutation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*memProject)}
}

func (s *MemoryStore) project(projectID string, create bool) (*memProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		if !create {
			return nil, ErrProjectNotFound
		}
		p = &memProject{snapshot: &Snapshot{}}
		s.projects[projectID] = p
	}
	return p, nil
}

func (s *MemoryStore) Snapshot(projectID string) (*Snapshot, error) {
	p, err := s.project(projectID, false)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot.clone(), nil
}

func (s *MemoryStore) Commit(projectID string, m Mutation) (*Snapshot, error) {
	create := m.Kind == MutProjectCreated
	p, err := s.project(projectID, create)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.At.IsZero() {
		m.At = time.Now()
	}

	// Apply on a copy so a rejected mutation leaves the snapshot untouched.
	next := p.snapshot.clone()
	if err := apply(next, m); err != nil {
		return nil, err
	}
	p.snapshot = next
	p.history = append(p.history, m)
	return next.clone(), nil
}

func (s *MemoryStore) List() ([]models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		p.mu.Lock()
		out = append(out, p.snapshot.Project)
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return ErrProjectNotFound
	}
	delete(s.projects, projectID)
	return nil
}

func (s *MemoryStore) History(projectID string) ([]Mutation, error) {
	p, err := s.project(projectID, false)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Mutation(nil), p.history...), nil
}
