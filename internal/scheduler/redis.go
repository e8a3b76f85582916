package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript pops due members from the schedule and returns their payloads
// in one round trip so that concurrent runners never claim the same job.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('HDEL', KEYS[2], id)
    table.insert(out, payload)
  end
end
return out
`)

// RedisScheduler is a Redis-backed Queue. Jobs live in a sorted set scored
// by run time (unix milliseconds) with payloads in a companion hash.
//
// Keys: "{prefix}:schedule" (zset) and "{prefix}:jobs" (hash).
type RedisScheduler struct {
	client      redis.Cmdable
	scheduleKey string
	jobsKey     string
}

// NewRedisScheduler creates a Redis-backed scheduler. prefix defaults to
// "advflow".
func NewRedisScheduler(client redis.Cmdable, prefix string) *RedisScheduler {
	if prefix == "" {
		prefix = "advflow"
	}
	return &RedisScheduler{
		client:      client,
		scheduleKey: prefix + ":schedule",
		jobsKey:     prefix + ":jobs",
	}
}

var _ Queue = (*RedisScheduler)(nil)

// ScheduleAt implements Scheduler.
func (s *RedisScheduler) ScheduleAt(ctx context.Context, at time.Time, job Job) (Job, error) {
	job = prepare(at, job)
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobsKey, job.ID, data)
		pipe.ZAdd(ctx, s.scheduleKey, redis.Z{Score: score(job.RunAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return Job{}, fmt.Errorf("redis schedule job %q: %w", job.ID, err)
	}
	return job, nil
}

// Cancel implements Scheduler.
func (s *RedisScheduler) Cancel(ctx context.Context, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.scheduleKey, jobID)
		pipe.HDel(ctx, s.jobsKey, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cancel job %q: %w", jobID, err)
	}
	return nil
}

// Claim implements Queue.
func (s *RedisScheduler) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := claimScript.Run(ctx, s.client,
		[]string{s.scheduleKey, s.jobsKey},
		fmt.Sprintf("%d", int64(score(now))), limit,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis claim jobs: %w", err)
	}

	jobs := make([]Job, 0, len(raw))
	for _, payload := range raw {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return jobs, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pending implements Queue.
func (s *RedisScheduler) Pending(ctx context.Context) ([]Job, error) {
	ids, err := s.client.ZRange(ctx, s.scheduleKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list schedule: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.jobsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load jobs: %w", err)
	}

	jobs := make([]Job, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// HealthCheck implements Queue.
func (s *RedisScheduler) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
