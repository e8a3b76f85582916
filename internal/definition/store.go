package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/advflow/model"
)

// Store persists definitions as whole aggregates: a definition together
// with its actions and their transitions.
type Store interface {
	// Create persists a new definition. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, def model.Definition) error

	// Get returns the definition with the given ID or NOT_FOUND.
	Get(ctx context.Context, id string) (model.Definition, error)

	// List returns every definition ordered by Sort, then Title.
	List(ctx context.Context) ([]model.Definition, error)

	// Update replaces a stored definition and its graph.
	Update(ctx context.Context, def model.Definition) error

	// Delete removes a definition, its actions and its transitions.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store. Suitable for tests and single-node
// deployments that provision definitions from templates at startup.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]model.Definition
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]model.Definition)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, def model.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
	}
	s.defs[def.ID] = def.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return model.Definition{}, notFound(id)
	}
	return def.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]model.Definition, error) {
	s.mu.RLock()
	out := make([]model.Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()
	sortDefinitions(out)
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, def model.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; !ok {
		return notFound(def.ID)
	}
	s.defs[def.ID] = def.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return notFound(id)
	}
	delete(s.defs, id)
	return nil
}

// Len returns the number of stored definitions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
}

func sortDefinitions(defs []model.Definition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Sort != defs[j].Sort {
			return defs[i].Sort < defs[j].Sort
		}
		return defs[i].Title < defs[j].Title
	})
}
