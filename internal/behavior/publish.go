package behavior

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/expression"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/model"
)

// Publish publishes the target, now or at a later time. An optional expiry
// schedules the matching unpublish.
type Publish struct{}

type publishParams struct {
	PublishOn   string `json:"publish_on,omitempty"   jsonschema:"description=Expression for the embargo time such as field.embargo or offsetDays(1)"`
	Delay       string `json:"delay,omitempty"        jsonschema:"description=Duration to wait before publishing such as 2h"`
	UnpublishOn string `json:"unpublish_on,omitempty" jsonschema:"description=Expression for the expiry time"`
}

func (Publish) Name() string { return "publish" }

func (Publish) Fields() *jsonschema.Schema { return schemaFor(&publishParams{}) }

func (Publish) Validate(params map[string]any) error {
	p, err := decodeParams[publishParams](params)
	if err != nil {
		return err
	}
	if p.PublishOn != "" && p.Delay != "" {
		return errors.New("publish_on and delay are mutually exclusive")
	}
	return checkSchedule(p.PublishOn, p.Delay, p.UnpublishOn)
}

func (Publish) Execute(ctx context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[publishParams](rt.params())
	if err != nil {
		return false, err
	}
	t, err := rt.Target(ctx)
	if err != nil {
		return false, err
	}
	if t == nil {
		rt.logger().Warn("publish step reached without a target")
		return true, nil
	}
	ref := t.Ref()

	at, err := resolveAt(rt.Env(t), p.PublishOn, p.Delay)
	if err != nil {
		return false, err
	}
	if at.After(clock.Now()) {
		if err := rt.schedule(ctx, at, scheduler.JobPublish, ref); err != nil {
			return false, err
		}
	} else if err := rt.Targets.Publish(ctx, ref); err != nil {
		return false, err
	}

	if p.UnpublishOn != "" {
		until, err := resolveAt(rt.Env(t), p.UnpublishOn, "")
		if err != nil {
			return false, err
		}
		if err := rt.schedule(ctx, until, scheduler.JobUnpublish, ref); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (Publish) CanEditTarget(*Runtime) model.Tristate { return model.TriDefer }
func (Publish) CanViewTarget(*Runtime) model.Tristate { return model.TriDefer }

// CanPublishTarget allows publishing while the publish step is current so
// the step can act on targets the actor could not publish directly.
func (Publish) CanPublishTarget(*Runtime) model.Tristate { return model.TriAllow }

// Unpublish takes the target offline, now or later.
type Unpublish struct{ deferAll }

type unpublishParams struct {
	UnpublishOn string `json:"unpublish_on,omitempty" jsonschema:"description=Expression for when to unpublish"`
	Delay       string `json:"delay,omitempty"        jsonschema:"description=Duration to wait before unpublishing"`
}

func (Unpublish) Name() string { return "unpublish" }

func (Unpublish) Fields() *jsonschema.Schema { return schemaFor(&unpublishParams{}) }

func (Unpublish) Validate(params map[string]any) error {
	p, err := decodeParams[unpublishParams](params)
	if err != nil {
		return err
	}
	if p.UnpublishOn != "" && p.Delay != "" {
		return errors.New("unpublish_on and delay are mutually exclusive")
	}
	return checkSchedule(p.UnpublishOn, p.Delay, "")
}

func (Unpublish) Execute(ctx context.Context, rt *Runtime) (bool, error) {
	p, err := decodeParams[unpublishParams](rt.params())
	if err != nil {
		return false, err
	}
	t, err := rt.Target(ctx)
	if err != nil {
		return false, err
	}
	if t == nil {
		rt.logger().Warn("unpublish step reached without a target")
		return true, nil
	}
	at, err := resolveAt(rt.Env(t), p.UnpublishOn, p.Delay)
	if err != nil {
		return false, err
	}
	if at.After(clock.Now()) {
		err = rt.schedule(ctx, at, scheduler.JobUnpublish, t.Ref())
	} else {
		err = rt.Targets.Unpublish(ctx, t.Ref())
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (rt *Runtime) schedule(ctx context.Context, at time.Time, kind scheduler.JobKind, ref model.TargetRef) error {
	if rt.Scheduler == nil {
		return fmt.Errorf("%s at %s: no scheduler configured", kind, at.Format(time.RFC3339))
	}
	job, err := rt.Scheduler.ScheduleAt(ctx, at, scheduler.Job{
		Kind:       kind,
		Target:     ref,
		InstanceID: rt.Instance.ID,
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", kind, err)
	}
	rt.logger().Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("job_kind", string(kind)),
		zap.String("target", ref.String()),
		zap.Time("run_at", job.RunAt),
	)
	return nil
}

// resolveAt turns an expression or a delay into an instant. Neither set
// means now.
func resolveAt(env expression.Env, expr, delay string) (time.Time, error) {
	now := clock.Now()
	switch {
	case expr != "":
		v, err := expression.Eval(expr, env)
		if err != nil {
			return time.Time{}, err
		}
		if v == nil {
			return now, nil
		}
		at, ok := expression.AsTime(v)
		if !ok {
			return time.Time{}, fmt.Errorf("expression %q is not a time: %v", expr, v)
		}
		return at, nil
	case delay != "":
		d, err := time.ParseDuration(delay)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return now, nil
}

func checkSchedule(at, delay, until string) error {
	for _, e := range []string{at, until} {
		if e == "" {
			continue
		}
		if err := expression.Check(e); err != nil {
			return err
		}
	}
	if delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return fmt.Errorf("delay: %w", err)
		}
		if d < 0 {
			return errors.New("delay must not be negative")
		}
	}
	return nil
}
