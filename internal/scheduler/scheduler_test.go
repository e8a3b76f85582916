package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pinClock(t *testing.T, at time.Time) *time.Time {
	t.Helper()
	now := at
	clock.NowFunc = func() time.Time { return now }
	t.Cleanup(func() { clock.NowFunc = time.Now })
	return &now
}

func newRedisScheduler(t *testing.T) *RedisScheduler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisScheduler(client, "test")
}

// queueContract runs the same behavioural checks against every Queue.
func queueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	ref := model.TargetRef{Kind: "page", ID: "p1"}

	later, err := q.ScheduleAt(ctx, base.Add(2*time.Hour), Job{Kind: JobUnpublish, Target: ref})
	require.NoError(t, err)
	assert.NotEmpty(t, later.ID)

	soon, err := q.ScheduleAt(ctx, base.Add(time.Hour), Job{Kind: JobPublish, Target: ref})
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, soon.ID, pending[0].ID, "pending jobs ordered by run time")

	due, err := q.Claim(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.Claim(ctx, base.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, JobPublish, due[0].Kind)
	assert.Equal(t, ref, due[0].Target)

	due, err = q.Claim(ctx, base.Add(90*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed job must not be returned twice")

	require.NoError(t, q.Cancel(ctx, later.ID))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.NoError(t, q.HealthCheck(ctx))
}

func TestMemoryScheduler_Contract(t *testing.T) {
	queueContract(t, NewMemoryScheduler())
}

func TestRedisScheduler_Contract(t *testing.T) {
	queueContract(t, newRedisScheduler(t))
}

func TestScheduleAt_zeroTimeMeansNow(t *testing.T) {
	pinClock(t, base)
	q := NewMemoryScheduler()

	job, err := q.ScheduleAt(context.Background(), time.Time{}, Job{Kind: JobResume, InstanceID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, base, job.RunAt)

	due, err := q.Claim(context.Background(), base, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestRedisScheduler_ClaimRespectsLimit(t *testing.T) {
	q := newRedisScheduler(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.ScheduleAt(ctx, base.Add(time.Duration(i)*time.Minute), Job{Kind: JobPublish})
		require.NoError(t, err)
	}

	due, err := q.Claim(ctx, base.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunner_SuccessAndRetry(t *testing.T) {
	now := pinClock(t, base)
	q := NewMemoryScheduler()
	ctx := context.Background()

	_, err := q.ScheduleAt(ctx, base, Job{ID: "ok", Kind: JobPublish})
	require.NoError(t, err)
	_, err = q.ScheduleAt(ctx, base, Job{ID: "flaky", Kind: JobUnpublish})
	require.NoError(t, err)

	var seen []string
	handler := HandlerFunc(func(_ context.Context, job Job) error {
		seen = append(seen, job.ID)
		if job.ID == "flaky" && job.Attempts == 0 {
			return errors.New("target locked")
		}
		return nil
	})
	r := NewRunner(q, handler, RunnerConfig{RetryDelay: time.Minute, MaxAttempts: 3}, nil, nil)

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"ok", "flaky"}, seen)

	pending, _ := q.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, "flaky", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "target locked", pending[0].LastError)
	assert.Equal(t, base.Add(time.Minute), pending[0].RunAt)

	*now = base.Add(time.Minute)
	n, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
}

func TestRunner_DropsAfterMaxAttempts(t *testing.T) {
	pinClock(t, base)
	q := NewMemoryScheduler()
	ctx := context.Background()
	_, err := q.ScheduleAt(ctx, base, Job{ID: "bad", Kind: JobPublish, Attempts: 1})
	require.NoError(t, err)

	r := NewRunner(q, HandlerFunc(func(context.Context, Job) error { return errors.New("boom") }),
		RunnerConfig{MaxAttempts: 2}, nil, nil)

	_, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len(), "job at max attempts is dropped")
}
