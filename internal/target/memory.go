package target

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/model"
)

// Record is the in-memory target representation. Empty access lists mean
// the corresponding capability is open to every member.
type Record struct {
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	Parent      model.TargetRef `json:"parent"`
	Fields      map[string]any  `json:"fields,omitempty"`
	Published   bool            `json:"published"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Editors     []string        `json:"editors,omitempty"`
	Viewers     []string        `json:"viewers,omitempty"`
	Publishers  []string        `json:"publishers,omitempty"`

	// NoWorkflow opts the record out of workflow binding.
	NoWorkflow bool `json:"no_workflow,omitempty"`
}

var _ Target = (*Record)(nil)

// Ref implements Target.
func (r *Record) Ref() model.TargetRef { return model.TargetRef{Kind: r.Kind, ID: r.ID} }

// SupportsWorkflow implements Target.
func (r *Record) SupportsWorkflow() bool { return !r.NoWorkflow }

// Field implements Target.
func (r *Record) Field(name string) (any, bool) {
	switch name {
	case "published":
		return r.Published, true
	case "published_at":
		if r.PublishedAt == nil {
			return nil, true
		}
		return *r.PublishedAt, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// SetField implements Target.
func (r *Record) SetField(name string, value any) error {
	switch name {
	case "", "kind", "id", "published", "published_at":
		return model.NewBadRequestError(fmt.Sprintf("field %q is not writable", name))
	}
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[name] = value
	return nil
}

// CanEdit implements Target.
func (r *Record) CanEdit(rctx *model.RequestContext) bool { return allowed(r.Editors, rctx) }

// CanView implements Target.
func (r *Record) CanView(rctx *model.RequestContext) bool { return allowed(r.Viewers, rctx) }

// CanPublish implements Target.
func (r *Record) CanPublish(rctx *model.RequestContext) bool { return allowed(r.Publishers, rctx) }

// allowed matches a subject id or any of the subject's groups.
func allowed(list []string, rctx *model.RequestContext) bool {
	if len(list) == 0 {
		return true
	}
	if rctx == nil {
		return false
	}
	if slices.Contains(list, rctx.SubjectID) {
		return true
	}
	for _, g := range rctx.Groups {
		if slices.Contains(list, g) {
			return true
		}
	}
	return false
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Fields = maps.Clone(r.Fields)
	cp.Editors = slices.Clone(r.Editors)
	cp.Viewers = slices.Clone(r.Viewers)
	cp.Publishers = slices.Clone(r.Publishers)
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}

// MemoryRepository is an in-memory Repository. Suitable for testing and
// single-instance deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[model.TargetRef]*Record
}

// NewMemoryRepository creates a new in-memory target repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[model.TargetRef]*Record)}
}

var _ Repository = (*MemoryRepository)(nil)

// Put inserts or replaces a record.
func (m *MemoryRepository) Put(r *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Ref()] = r.clone()
}

// Get returns a copy of the stored record.
func (m *MemoryRepository) Get(_ context.Context, ref model.TargetRef) (Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[ref]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("target %s not found", ref))
	}
	return r.clone(), nil
}

// Write stores t. Only *Record values are accepted.
func (m *MemoryRepository) Write(_ context.Context, t Target) error {
	r, ok := t.(*Record)
	if !ok {
		return fmt.Errorf("memory repository cannot store %T", t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[r.Ref()]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("target %s not found", r.Ref()))
	}
	m.records[r.Ref()] = r.clone()
	return nil
}

// Publish marks the target published.
func (m *MemoryRepository) Publish(_ context.Context, ref model.TargetRef) error {
	return m.update(ref, func(r *Record) {
		now := clock.Now()
		r.Published = true
		r.PublishedAt = &now
	})
}

// Unpublish marks the target unpublished.
func (m *MemoryRepository) Unpublish(_ context.Context, ref model.TargetRef) error {
	return m.update(ref, func(r *Record) {
		r.Published = false
		r.PublishedAt = nil
	})
}

// Parent returns the record's parent reference.
func (m *MemoryRepository) Parent(_ context.Context, ref model.TargetRef) (model.TargetRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[ref]
	if !ok {
		return model.TargetRef{}, false, model.NewNotFoundError(fmt.Sprintf("target %s not found", ref))
	}
	return r.Parent, !r.Parent.IsZero(), nil
}

func (m *MemoryRepository) update(ref model.TargetRef, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ref]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("target %s not found", ref))
	}
	fn(r)
	return nil
}

// Len returns the number of stored records. For testing.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
