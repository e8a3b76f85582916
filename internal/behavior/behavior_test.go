package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/notify"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var pageRef = model.TargetRef{Kind: "page", ID: "home"}

type fixture struct {
	targets *target.MemoryRepository
	sched   *scheduler.MemoryScheduler
	outbox  *notify.QueueNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock.NowFunc = func() time.Time { return base }
	t.Cleanup(func() { clock.NowFunc = time.Now })

	repo := target.NewMemoryRepository()
	repo.Put(&target.Record{
		Kind:   pageRef.Kind,
		ID:     pageRef.ID,
		Fields: map[string]any{"title": "Home", "embargo": "2024-05-03T09:00:00Z"},
	})
	return &fixture{
		targets: repo,
		sched:   scheduler.NewMemoryScheduler(),
		outbox:  notify.NewQueueNotifier("workflow@example.com", 0, nil),
	}
}

func (f *fixture) runtime(behavior string, params map[string]any) *Runtime {
	return &Runtime{
		Instance: &model.Instance{
			ID:             "wf-1",
			Title:          "Review home",
			Status:         model.InstanceStatusActive,
			Target:         pageRef,
			AssignedUsers:  []string{"alice"},
			AssignedGroups: []string{"editors"},
			InitiatorID:    "bob",
		},
		Action:    &model.Action{ID: "a-1", Title: "Step", Behavior: behavior, Params: params},
		Actor:     &model.RequestContext{SubjectID: "bob"},
		Targets:   f.targets,
		Scheduler: f.sched,
		Notifier:  f.outbox,
	}
}

func (f *fixture) record(t *testing.T) *target.Record {
	t.Helper()
	got, err := f.targets.Get(context.Background(), pageRef)
	require.NoError(t, err)
	return got.(*target.Record)
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t,
		[]string{"assign_users", "cancel", "notify", "publish", "set_property", "simple", "unpublish", "wait"},
		r.Names())

	_, ok := r.Lookup("publish")
	assert.True(t, ok)
	_, ok = r.Lookup("teleport")
	assert.False(t, ok)

	assert.Panics(t, func() { r.Register(Simple{}) })
}

func TestDescribe_schemas(t *testing.T) {
	descs := NewDefaultRegistry().Describe()
	require.Len(t, descs, 8)
	for _, d := range descs {
		require.NotNil(t, d.Fields, d.Name)
	}

	schema := SetProperty{}.Fields()
	require.NotNil(t, schema.Properties)
	_, ok := schema.Properties.Get("field")
	assert.True(t, ok)
	assert.Contains(t, schema.Required, "value")
}

func TestSimple_finishes(t *testing.T) {
	f := newFixture(t)
	done, err := Simple{}.Execute(context.Background(), f.runtime("simple", nil))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Error(t, Simple{}.Validate(map[string]any{"unexpected": 1}))
}

func TestAssignUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rt := f.runtime("assign_users", map[string]any{"users": []string{"carol"}, "groups": []string{"legal"}})
	done, err := AssignUsers{}.Execute(ctx, rt)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"carol"}, rt.Instance.AssignedUsers)
	assert.Equal(t, []string{"legal"}, rt.Instance.AssignedGroups)

	rt = f.runtime("assign_users", map[string]any{"users": []string{"carol", "alice"}, "mode": "append"})
	_, err = AssignUsers{}.Execute(ctx, rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, rt.Instance.AssignedUsers)
	assert.Equal(t, []string{"editors"}, rt.Instance.AssignedGroups)
}

func TestAssignUsers_Validate(t *testing.T) {
	b := AssignUsers{}
	assert.NoError(t, b.Validate(map[string]any{"groups": []any{"legal"}}))
	assert.Error(t, b.Validate(nil))
	assert.Error(t, b.Validate(map[string]any{"users": []any{"x"}, "mode": "merge"}))
}

func TestPublish_immediate(t *testing.T) {
	f := newFixture(t)
	done, err := Publish{}.Execute(context.Background(), f.runtime("publish", nil))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, f.record(t).Published)
	assert.Equal(t, 0, f.sched.Len())
}

func TestPublish_embargoAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := f.runtime("publish", map[string]any{
		"publish_on":   "field.embargo",
		"unpublish_on": "offsetDays(30)",
	})

	done, err := Publish{}.Execute(ctx, rt)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, f.record(t).Published, "embargoed target is not published yet")

	jobs, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, scheduler.JobPublish, jobs[0].Kind)
	assert.Equal(t, time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC), jobs[0].RunAt)
	assert.Equal(t, "wf-1", jobs[0].InstanceID)
	assert.Equal(t, scheduler.JobUnpublish, jobs[1].Kind)
	assert.Equal(t, base.AddDate(0, 0, 30), jobs[1].RunAt)
}

func TestPublish_delay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := Publish{}.Execute(ctx, f.runtime("publish", map[string]any{"delay": "2h"}))
	require.NoError(t, err)

	jobs, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, base.Add(2*time.Hour), jobs[0].RunAt)
}

func TestPublish_pastEmbargoPublishesNow(t *testing.T) {
	f := newFixture(t)
	_, err := Publish{}.Execute(context.Background(),
		f.runtime("publish", map[string]any{"publish_on": "'2024-01-01'"}))
	require.NoError(t, err)
	assert.True(t, f.record(t).Published)
}

func TestPublish_untargeted(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("publish", nil)
	rt.Instance.Target = model.TargetRef{}
	done, err := Publish{}.Execute(context.Background(), rt)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPublish_Validate(t *testing.T) {
	b := Publish{}
	assert.NoError(t, b.Validate(map[string]any{"publish_on": "offsetDays(1)"}))
	assert.Error(t, b.Validate(map[string]any{"publish_on": "now", "delay": "1h"}))
	assert.Error(t, b.Validate(map[string]any{"delay": "soon"}))
	assert.Error(t, b.Validate(map[string]any{"delay": "-1h"}))
	assert.Error(t, b.Validate(map[string]any{"unpublish_on": "tomorrow"}))
	assert.Equal(t, model.TriAllow, b.CanPublishTarget(nil))
}

func TestUnpublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.targets.Publish(ctx, pageRef))

	_, err := Unpublish{}.Execute(ctx, f.runtime("unpublish", nil))
	require.NoError(t, err)
	assert.False(t, f.record(t).Published)

	_, err = Unpublish{}.Execute(ctx, f.runtime("unpublish", map[string]any{"delay": "24h"}))
	require.NoError(t, err)
	assert.Equal(t, 1, f.sched.Len())
}

func TestNotify_rendersForAssignees(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("notify", map[string]any{
		"subject": `Review: {{ field "title" | upper }}`,
		"body":    `{{ .Actor }} submitted {{ .Instance.Title }} ({{ .Target.Kind }}/{{ .Target.ID }})`,
	})

	done, err := NewNotify().Execute(context.Background(), rt)
	require.NoError(t, err)
	assert.True(t, done)

	msgs := f.outbox.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "editors"}, msgs[0].Recipients)
	assert.Equal(t, "Review: HOME", msgs[0].Subject)
	assert.Equal(t, "bob submitted Review home (page/home)", msgs[0].Body)
}

func TestNotify_explicitRecipients(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("notify", map[string]any{"subject": "Hi", "recipients": []string{"legal"}})
	_, err := NewNotify().Execute(context.Background(), rt)
	require.NoError(t, err)
	require.Len(t, f.outbox.Messages(), 1)
	assert.Equal(t, []string{"legal"}, f.outbox.Messages()[0].Recipients)
}

func TestNotify_noNotifier(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("notify", map[string]any{"subject": "Hi"})
	rt.Notifier = nil
	done, err := NewNotify().Execute(context.Background(), rt)
	assert.Error(t, err)
	assert.False(t, done)
}

func TestNotify_Validate(t *testing.T) {
	n := NewNotify()
	assert.NoError(t, n.Validate(map[string]any{"subject": "{{ .Instance.Title }}"}))
	assert.Error(t, n.Validate(map[string]any{"body": "x"}))
	assert.Error(t, n.Validate(map[string]any{"subject": "{{ .Broken"}))
	assert.Error(t, n.Validate(map[string]any{"subject": `{{ env "HOME" }}`}), "env is not available")
}

func TestSetProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := SetProperty{}.Execute(ctx, f.runtime("set_property", map[string]any{"field": "review_due", "value": "offsetDays(7)"}))
	require.NoError(t, err)
	_, err = SetProperty{}.Execute(ctx, f.runtime("set_property", map[string]any{"field": "state", "value": "'approved'"}))
	require.NoError(t, err)

	rec := f.record(t)
	assert.Equal(t, base.AddDate(0, 0, 7), rec.Fields["review_due"])
	assert.Equal(t, "approved", rec.Fields["state"])
}

func TestSetProperty_errorsLeaveStepUnfinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, err := SetProperty{}.Execute(ctx, f.runtime("set_property", map[string]any{"field": "published", "value": "true"}))
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
	assert.False(t, done)

	rt := f.runtime("set_property", map[string]any{"field": "x", "value": "1"})
	rt.Instance.Target = model.TargetRef{Kind: "page", ID: "missing"}
	done, err = SetProperty{}.Execute(ctx, rt)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	assert.False(t, done)
}

func TestSetProperty_Validate(t *testing.T) {
	b := SetProperty{}
	assert.NoError(t, b.Validate(map[string]any{"field": "due", "value": "offsetDays(3)"}))
	assert.Error(t, b.Validate(map[string]any{"field": "due"}))
	assert.Error(t, b.Validate(map[string]any{"value": "now"}))
	assert.Error(t, b.Validate(map[string]any{"field": "due", "value": "os.Getenv('HOME')"}))
}

func TestCancel_requestsCancellation(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("cancel", map[string]any{"reason": "withdrawn"})
	done, err := Cancel{}.Execute(context.Background(), rt)
	require.NoError(t, err)
	assert.True(t, done)
	cancelled, reason := rt.CancelRequested()
	assert.True(t, cancelled)
	assert.Equal(t, "withdrawn", reason)
}

func TestRuntimeEnv_state(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("simple", nil)
	tg, err := rt.Target(context.Background())
	require.NoError(t, err)

	env := rt.Env(tg)
	v, ok := env.Field("title")
	assert.True(t, ok)
	assert.Equal(t, "Home", v)
	assert.Equal(t, "bob", env.State["actor"].(map[string]any)["id"])
}

func TestWait_schedulesResumeUntilDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := f.runtime("wait", map[string]any{"delay": "2h"})
	rt.Instance.Actions = []model.ActionInstance{{ID: "ai-1", BaseActionID: "a-1", StartedAt: base.Add(-30 * time.Minute)}}
	rt.Instance.CurrentActionID = "ai-1"

	done, err := Wait{}.Execute(ctx, rt)
	require.NoError(t, err)
	assert.False(t, done)

	jobs, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.JobResume, jobs[0].Kind)
	assert.Equal(t, "wf-1", jobs[0].InstanceID)
	assert.Equal(t, base.Add(90*time.Minute), jobs[0].RunAt, "delay counts from the step start")

	clock.NowFunc = func() time.Time { return base.Add(2 * time.Hour) }
	done, err = Wait{}.Execute(ctx, rt)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.sched.Len(), "no new job once due")
}

func TestWait_untilField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, err := Wait{}.Execute(ctx, f.runtime("wait", map[string]any{"until": "field.embargo"}))
	require.NoError(t, err)
	assert.False(t, done)
	jobs, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC), jobs[0].RunAt)

	done, err = Wait{}.Execute(ctx, f.runtime("wait", map[string]any{"until": "'2024-01-01'"}))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWait_noScheduler(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime("wait", map[string]any{"delay": "1h"})
	rt.Scheduler = nil
	_, err := Wait{}.Execute(context.Background(), rt)
	assert.Error(t, err)
}

func TestWait_Validate(t *testing.T) {
	b := Wait{}
	assert.NoError(t, b.Validate(map[string]any{"delay": "24h"}))
	assert.NoError(t, b.Validate(map[string]any{"until": "offsetDays(1)"}))
	assert.Error(t, b.Validate(map[string]any{}))
	assert.Error(t, b.Validate(map[string]any{"until": "now", "delay": "1h"}))
	assert.Error(t, b.Validate(map[string]any{"delay": "-1h"}))
}
