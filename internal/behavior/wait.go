package behavior

import (
	"context"
	"errors"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/scheduler"
)

// Wait holds the instance on this step until a due time. Before then it
// schedules a resume job for the instance and stays unfinished; once the
// job fires the step finishes and the instance moves on.
type Wait struct{ deferAll }

type waitParams struct {
	Until string `json:"until,omitempty" jsonschema:"description=Expression for the time to wait for such as field.embargo"`
	Delay string `json:"delay,omitempty" jsonschema:"description=Duration counted from when the step started such as 24h"`
}

func (Wait) Name() string { return "wait" }

func (Wait) Fields() *jsonschema.Schema { return schemaFor(&waitParams{}) }

func (Wait) Validate(params map[string]any) error {
	p, err := decodeParams[waitParams](params)
	if err != nil {
		return err
	}
	switch {
	case p.Until != "" && p.Delay != "":
		return errors.New("until and delay are mutually exclusive")
	case p.Until == "" && p.Delay == "":
		return errors.New("one of until or delay is required")
	}
	return checkSchedule(p.Until, p.Delay, "")
}

func (Wait) Execute(ctx context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[waitParams](rt.params())
	if err != nil {
		return false, err
	}
	due, err := waitDue(ctx, rt, p)
	if err != nil {
		return false, err
	}
	if !due.After(clock.Now()) {
		return true, nil
	}
	if err := rt.schedule(ctx, due, scheduler.JobResume, rt.Instance.Target); err != nil {
		return false, err
	}
	return false, nil
}

// waitDue counts a delay from the start of the current step, so repeated
// runs of the same visit agree on the due time.
func waitDue(ctx context.Context, rt *Runtime, p waitParams) (time.Time, error) {
	if p.Delay != "" {
		d, err := time.ParseDuration(p.Delay)
		if err != nil {
			return time.Time{}, err
		}
		started := clock.Now()
		if cur := rt.Instance.CurrentAction(); cur != nil && !cur.StartedAt.IsZero() {
			started = cur.StartedAt
		}
		return started.Add(d), nil
	}
	t, err := rt.Target(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return resolveAt(rt.Env(t), p.Until, "")
}
