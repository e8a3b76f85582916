// Package target defines the content-repository collaborator the workflow
// engine acts upon, plus an in-memory implementation.
package target

import (
	"context"

	"github.com/pitabwire/advflow/model"
)

// Target is a content object a workflow can be bound to.
type Target interface {
	// Ref returns the weak reference used to bind the target to an instance.
	Ref() model.TargetRef

	// SupportsWorkflow reports whether the target may be bound to a workflow.
	// Instances started against targets that do not run untargeted.
	SupportsWorkflow() bool

	// Field returns a named field value.
	Field(name string) (any, bool)

	// SetField writes a named field. Callers persist with Repository.Write.
	SetField(name string, value any) error

	CanEdit(rctx *model.RequestContext) bool
	CanView(rctx *model.RequestContext) bool
	CanPublish(rctx *model.RequestContext) bool
}

// Repository resolves and mutates targets. Implementations return a
// NOT_FOUND error envelope when a target does not exist.
type Repository interface {
	Get(ctx context.Context, ref model.TargetRef) (Target, error)
	Write(ctx context.Context, t Target) error
	Publish(ctx context.Context, ref model.TargetRef) error
	Unpublish(ctx context.Context, ref model.TargetRef) error

	// Parent returns the parent of ref, if any. Used for definition
	// inheritance lookups.
	Parent(ctx context.Context, ref model.TargetRef) (model.TargetRef, bool, error)
}
