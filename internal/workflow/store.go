package workflow

import (
	"context"

	"github.com/pitabwire/advflow/model"
)

// Store persists workflow instances and their audit trail.
type Store interface {
	// Create persists a new instance. A live instance already bound to the
	// same target yields EXISTING_WORKFLOW.
	Create(ctx context.Context, inst model.Instance) error

	// Get retrieves an instance by ID.
	Get(ctx context.Context, id string) (model.Instance, error)

	// Update persists inst with optimistic locking: inst.Version must match
	// the stored version. On success inst.Version is advanced.
	Update(ctx context.Context, inst *model.Instance) error

	// FindLiveByTarget returns the Active or Paused instance bound to ref,
	// or NOT_FOUND.
	FindLiveByTarget(ctx context.Context, ref model.TargetRef) (model.Instance, error)

	// FindByDefinition returns the instances running a definition, newest
	// first.
	FindByDefinition(ctx context.Context, definitionID string, liveOnly bool) ([]model.Instance, error)

	// ListLive returns every Active or Paused instance, newest first.
	ListLive(ctx context.Context) ([]model.Instance, error)

	// DeleteLiveByDefinition deletes the live instances of a definition and
	// their events. Terminal instances are kept as audit records.
	DeleteLiveByDefinition(ctx context.Context, definitionID string) (int, error)

	// AppendEvent adds an event to an instance's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// Events returns an instance's audit trail, oldest first.
	Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)
}

// Bindings records which definition a target runs when no definition is
// named at start.
type Bindings interface {
	// Binding returns the definition bound to ref, or NOT_FOUND.
	Binding(ctx context.Context, ref model.TargetRef) (string, error)

	// Bind binds ref to a definition, replacing any earlier binding.
	Bind(ctx context.Context, ref model.TargetRef, definitionID string) error

	// Unbind removes the binding of ref. It is not an error if none exists.
	Unbind(ctx context.Context, ref model.TargetRef) error
}
