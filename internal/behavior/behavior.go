// Package behavior holds the step types a workflow action can run. Each
// action names its behavior by tag; the engine resolves the tag through a
// Registry and calls Execute when the action becomes current.
package behavior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/expression"
	"github.com/pitabwire/advflow/internal/notify"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/model"
)

// Behavior is the capability set of one step type.
type Behavior interface {
	// Name is the tag actions use to select this behavior.
	Name() string

	// Execute runs the step. Returning false leaves the action unfinished
	// and pauses the instance. Errors propagate to the caller unwrapped.
	Execute(ctx context.Context, rt *Runtime) (bool, error)

	// Advisory hooks. TriDefer leaves the answer to the engine's policy.
	CanEditTarget(rt *Runtime) model.Tristate
	CanViewTarget(rt *Runtime) model.Tristate
	CanPublishTarget(rt *Runtime) model.Tristate

	// Fields describes the params the behavior accepts.
	Fields() *jsonschema.Schema

	// Validate checks an action's params at definition write time.
	Validate(params map[string]any) error
}

// Runtime is what a behavior sees while it runs: the instance being
// driven, the cloned action, the acting member and the collaborators.
type Runtime struct {
	Instance  *model.Instance
	Action    *model.Action
	Actor     *model.RequestContext
	Targets   target.Repository
	Scheduler scheduler.Scheduler
	Notifier  notify.Notifier
	Logger    *zap.Logger

	resolved     target.Target
	cancelled    bool
	cancelReason string
}

// Target resolves the instance's target through the repository. It returns
// nil for untargeted instances. The result is kept for the lifetime of the
// Runtime only.
func (rt *Runtime) Target(ctx context.Context) (target.Target, error) {
	if rt.resolved != nil {
		return rt.resolved, nil
	}
	if rt.Instance == nil || rt.Instance.Target.IsZero() || rt.Targets == nil {
		return nil, nil
	}
	t, err := rt.Targets.Get(ctx, rt.Instance.Target)
	if err != nil {
		return nil, err
	}
	rt.resolved = t
	return t, nil
}

// RequestCancel asks the engine to cancel the instance once the current
// step finishes.
func (rt *Runtime) RequestCancel(reason string) {
	rt.cancelled = true
	rt.cancelReason = reason
}

// CancelRequested reports whether a behavior asked for cancellation.
func (rt *Runtime) CancelRequested() (bool, string) {
	return rt.cancelled, rt.cancelReason
}

// Env builds the expression environment for guards and property writes.
// t may be nil.
func (rt *Runtime) Env(t target.Target) expression.Env {
	env := expression.Env{Now: clock.Now, State: rt.state()}
	if t != nil {
		env.Field = t.Field
	}
	return env
}

func (rt *Runtime) state() map[string]any {
	st := map[string]any{}
	if inst := rt.Instance; inst != nil {
		st["instance"] = map[string]any{
			"id":              inst.ID,
			"title":           inst.Title,
			"status":          inst.Status,
			"definition_id":   inst.DefinitionID,
			"initiator":       inst.InitiatorID,
			"assigned_users":  len(inst.AssignedUsers),
			"assigned_groups": len(inst.AssignedGroups),
			"steps":           len(inst.Actions),
		}
	}
	if rt.Action != nil {
		st["action"] = map[string]any{"title": rt.Action.Title, "behavior": rt.Action.Behavior}
	}
	if rt.Actor != nil {
		st["actor"] = map[string]any{"id": rt.Actor.SubjectID, "email": rt.Actor.Email}
	}
	return st
}

func (rt *Runtime) logger() *zap.Logger {
	if rt.Logger == nil {
		return zap.NewNop()
	}
	return rt.Logger
}

func (rt *Runtime) params() map[string]any {
	if rt.Action == nil {
		return nil
	}
	return rt.Action.Params
}

// deferAll answers TriDefer to every advisory hook.
type deferAll struct{}

func (deferAll) CanEditTarget(*Runtime) model.Tristate    { return model.TriDefer }
func (deferAll) CanViewTarget(*Runtime) model.Tristate    { return model.TriDefer }
func (deferAll) CanPublishTarget(*Runtime) model.Tristate { return model.TriDefer }

// decodeParams converts loosely typed action params into a typed struct.
// Unknown keys are rejected.
func decodeParams[T any](params map[string]any) (T, error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("params: %w", err)
	}
	return out, nil
}

// schemaFor reflects a params struct into an inline JSON schema.
func schemaFor(v any) *jsonschema.Schema {
	r := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	return r.Reflect(v)
}
