package behavior

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"
)

// Simple is the manual decision step. It finishes immediately; the engine
// pauses on it because a decision step has more than one way out.
type Simple struct{ deferAll }

type simpleParams struct{}

func (Simple) Name() string { return "simple" }

func (Simple) Execute(context.Context, *Runtime) (bool, error) { return true, nil }

func (Simple) Fields() *jsonschema.Schema { return schemaFor(&simpleParams{}) }

func (Simple) Validate(params map[string]any) error {
	_, err := decodeParams[simpleParams](params)
	return err
}

// AssignUsers rewrites the instance's working set of assignees.
type AssignUsers struct{ deferAll }

type assignParams struct {
	Users  []string `json:"users,omitempty"  jsonschema:"description=Member ids to assign"`
	Groups []string `json:"groups,omitempty" jsonschema:"description=Group ids to assign"`
	Mode   string   `json:"mode,omitempty"   jsonschema:"enum=replace,enum=append,default=replace"`
}

func (AssignUsers) Name() string { return "assign_users" }

func (AssignUsers) Fields() *jsonschema.Schema { return schemaFor(&assignParams{}) }

func (AssignUsers) Validate(params map[string]any) error {
	p, err := decodeParams[assignParams](params)
	if err != nil {
		return err
	}
	switch p.Mode {
	case "", "replace", "append":
	default:
		return fmt.Errorf("mode %q must be replace or append", p.Mode)
	}
	if len(p.Users) == 0 && len(p.Groups) == 0 {
		return errors.New("users or groups is required")
	}
	return nil
}

func (AssignUsers) Execute(_ context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[assignParams](rt.params())
	if err != nil {
		return false, err
	}
	inst := rt.Instance
	if p.Mode == "append" {
		inst.AssignedUsers = appendUnique(inst.AssignedUsers, p.Users...)
		inst.AssignedGroups = appendUnique(inst.AssignedGroups, p.Groups...)
	} else {
		inst.AssignedUsers = appendUnique(nil, p.Users...)
		inst.AssignedGroups = appendUnique(nil, p.Groups...)
	}
	rt.logger().Debug("assignees updated",
		zap.Strings("users", inst.AssignedUsers),
		zap.Strings("groups", inst.AssignedGroups),
	)
	return true, nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// Cancel terminates the run when reached.
type Cancel struct{ deferAll }

type cancelParams struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Recorded on the cancellation event"`
}

func (Cancel) Name() string { return "cancel" }

func (Cancel) Fields() *jsonschema.Schema { return schemaFor(&cancelParams{}) }

func (Cancel) Validate(params map[string]any) error {
	_, err := decodeParams[cancelParams](params)
	return err
}

func (Cancel) Execute(_ context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[cancelParams](rt.params())
	if err != nil {
		return false, err
	}
	rt.RequestCancel(p.Reason)
	return true, nil
}
