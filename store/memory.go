package store

import (
	"context"
	"sync"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// MemoryStore implements placeflow.InstanceStore using in-memory storage
type MemoryStore struct {
	instances map[string]*placeflow.WorkflowInstance
	nextRoot  int
	mu        sync.RWMutex
}

// Verify interface compliance
var _ placeflow.InstanceStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory instance store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*placeflow.WorkflowInstance),
	}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*placeflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, placeflow.ErrInstanceNotFound
	}

	// Deep copy
	return inst.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, inst *placeflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if current, exists := s.instances[inst.ID]; exists {
		stored = current.Revision
	}
	if stored != inst.Revision {
		return placeflow.NewStateConflictError(inst.ID, inst.Revision, stored)
	}

	inst.Revision++
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) QueryDocuments(ctx context.Context, criteria placeflow.DocumentCriteria, scope placeflow.OrderingScope) ([]placeflow.DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []placeflow.DocumentVersion
	for id, inst := range s.instances {
		if id == criteria.ExcludeInstanceID {
			continue
		}
		candidates = append(candidates, inst.Clone().Documents...)
	}
	return filterDocuments(candidates, criteria, scope), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter placeflow.InstanceFilter) ([]*placeflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var insts []*placeflow.WorkflowInstance
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			insts = append(insts, inst.Clone())
		}
	}
	sortInstances(insts)
	return applyLimit(insts, filter.Limit), nil
}

// AllocateRoot hands out root indices from a single counter shared by all
// projects, so global documents of different projects stay comparable
func (s *MemoryStore) AllocateRoot(ctx context.Context, projectID string) (ordering.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRoot++
	return ordering.Root(s.nextRoot), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[id]; !exists {
		return placeflow.ErrInstanceNotFound
	}
	delete(s.instances, id)
	return nil
}
