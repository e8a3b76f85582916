package capability

import (
	"context"
	"fmt"

	"github.com/pitabwire/advflow/model"
)

// Identity answers who is acting and what they may do. It reads the actor
// from the request context placed there by the transport layer.
type Identity struct {
	resolver model.CapabilityResolver
}

// NewIdentity creates an Identity over resolver.
func NewIdentity(resolver model.CapabilityResolver) *Identity {
	return &Identity{resolver: resolver}
}

// CurrentActor returns the member acting in ctx.
func (i *Identity) CurrentActor(ctx context.Context) (*model.RequestContext, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("no authenticated member")
	}
	return rctx, nil
}

// IsMemberOf reports whether actor belongs to group.
func (i *Identity) IsMemberOf(actor *model.RequestContext, group string) bool {
	return actor != nil && actor.InGroup(group)
}

// HasCapability reports whether actor holds capability.
func (i *Identity) HasCapability(actor *model.RequestContext, capability string) (bool, error) {
	if actor == nil {
		return false, nil
	}
	caps, err := i.resolver.Resolve(actor)
	if err != nil {
		return false, fmt.Errorf("resolve capabilities for %s: %w", actor.SubjectID, err)
	}
	return caps.Has(capability), nil
}

// Require fails with FORBIDDEN unless the actor in ctx holds capability.
func (i *Identity) Require(ctx context.Context, capability string) (*model.RequestContext, error) {
	actor, err := i.CurrentActor(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := i.HasCapability(actor, capability)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewForbiddenError(fmt.Sprintf("missing capability %q", capability))
	}
	return actor, nil
}
