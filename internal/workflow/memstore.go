package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/model"
)

// MemoryStore is an in-memory Store and Bindings. Instances are copied on the way in and
// out so callers never share graph or log slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.Instance
	events    map[string][]model.WorkflowEvent
	bindings  map[model.TargetRef]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.Instance),
		events:    make(map[string][]model.WorkflowEvent),
		bindings:  make(map[model.TargetRef]string),
	}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if !inst.Target.IsZero() && inst.IsLive() {
		for _, other := range s.instances {
			if other.Target == inst.Target && other.IsLive() {
				return model.NewExistingWorkflowError(inst.Target.Kind, inst.Target.ID)
			}
		}
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return model.Instance{}, instanceNotFound(id)
	}
	return inst.Clone(), nil
}

// Update persists inst if its version matches.
func (s *MemoryStore) Update(_ context.Context, inst *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return instanceNotFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = clock.Now()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// FindLiveByTarget returns the live instance bound to ref.
func (s *MemoryStore) FindLiveByTarget(_ context.Context, ref model.TargetRef) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if !ref.IsZero() && inst.Target == ref && inst.IsLive() {
			return inst.Clone(), nil
		}
	}
	return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("no workflow in progress for %s", ref))
}

// FindByDefinition returns the instances of a definition, newest first.
func (s *MemoryStore) FindByDefinition(_ context.Context, definitionID string, liveOnly bool) ([]model.Instance, error) {
	return s.filter(func(inst model.Instance) bool {
		return inst.DefinitionID == definitionID && (!liveOnly || inst.IsLive())
	}), nil
}

// ListLive returns every live instance, newest first.
func (s *MemoryStore) ListLive(_ context.Context) ([]model.Instance, error) {
	return s.filter(func(inst model.Instance) bool { return inst.IsLive() }), nil
}

// DeleteLiveByDefinition removes live instances of a definition.
func (s *MemoryStore) DeleteLiveByDefinition(_ context.Context, definitionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, inst := range s.instances {
		if inst.DefinitionID == definitionID && inst.IsLive() {
			delete(s.instances, id)
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// AppendEvent adds an event to the audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// Events returns the audit trail in insertion order.
func (s *MemoryStore) Events(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}
	events := s.events[instanceID]
	out := make([]model.WorkflowEvent, len(events))
	copy(out, events)
	return out, nil
}

// Len returns the total number of instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *MemoryStore) filter(keep func(model.Instance) bool) []model.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Instance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func instanceNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

// Binding returns the definition bound to ref.
func (s *MemoryStore) Binding(_ context.Context, ref model.TargetRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[ref]
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("no definition bound to %s", ref))
	}
	return id, nil
}

// Bind binds ref to definitionID.
func (s *MemoryStore) Bind(_ context.Context, ref model.TargetRef, definitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[ref] = definitionID
	return nil
}

// Unbind removes the binding of ref.
func (s *MemoryStore) Unbind(_ context.Context, ref model.TargetRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, ref)
	return nil
}
