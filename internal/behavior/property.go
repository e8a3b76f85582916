package behavior

import (
	"context"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/expression"
)

// SetProperty writes one field on the target. The value is an expression,
// so "offsetDays(7)" stores a date a week out and "'approved'" stores text.
type SetProperty struct{ deferAll }

type propertyParams struct {
	Field string `json:"field" jsonschema:"required,description=Target field to write"`
	Value string `json:"value" jsonschema:"required,description=Expression producing the value"`
}

func (SetProperty) Name() string { return "set_property" }

func (SetProperty) Fields() *jsonschema.Schema { return schemaFor(&propertyParams{}) }

func (SetProperty) Validate(params map[string]any) error {
	p, err := decodeParams[propertyParams](params)
	if err != nil {
		return err
	}
	if p.Field == "" {
		return errors.New("field is required")
	}
	if p.Value == "" {
		return errors.New("value is required")
	}
	return expression.Check(p.Value)
}

func (SetProperty) Execute(ctx context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[propertyParams](rt.params())
	if err != nil {
		return false, err
	}
	t, err := rt.Target(ctx)
	if err != nil {
		return false, err
	}
	if t == nil {
		rt.logger().Warn("set_property step reached without a target", zap.String("field", p.Field))
		return true, nil
	}

	v, err := expression.Eval(p.Value, rt.Env(t))
	if err != nil {
		return false, err
	}
	if err := t.SetField(p.Field, v); err != nil {
		return false, err
	}
	if err := rt.Targets.Write(ctx, t); err != nil {
		return false, fmt.Errorf("set_property %s: %w", p.Field, err)
	}
	rt.logger().Debug("target field written", zap.String("field", p.Field))
	return true, nil
}
