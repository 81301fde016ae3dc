package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/drcal/internal/domain"
)

// RedisStore keeps the whole job lifecycle in Redis, under q:<name>:*.
//
//	wait:<p>   list per priority, producers LPUSH / pullers LMOVE (FIFO)
//	delayed    zset scored by due time (unix ms)
//	active     list of ids handed to slots; an id whose activation was cut
//	           short stays here until the reclaimer requeues it
//	completed  list of recent ids, trimmed to the retention count
//	failed     list of recent ids, trimmed to the retention count
//	job:<id>   hash with the job record
//
// Pull scans wait:0..wait:9 in order, so priority dispatch with
// creation-order tie-break falls out of the key order. The LMOVE into the
// active list is the atomic hand-off: from that moment the id is visible
// either to the slot that won it or to the reclaimer, never to neither.
type RedisStore struct {
	rdb  *r.Client
	name string

	keepCompleted int64
	keepFailed    int64
}

func NewRedis(rdb *r.Client, name string) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		name:          name,
		keepCompleted: 10,
		keepFailed:    5,
	}
}

// SetRetention bounds how many terminal jobs are kept per state.
func (s *RedisStore) SetRetention(completed, failed int64) {
	if completed > 0 {
		s.keepCompleted = completed
	}
	if failed > 0 {
		s.keepFailed = failed
	}
}

func (s *RedisStore) key(suffix string) string {
	return "q:" + s.name + ":" + suffix
}

func (s *RedisStore) waitKey(p int) string {
	return s.key("wait:" + strconv.Itoa(clampPriority(p)))
}

func (s *RedisStore) waitKeys() []string {
	keys := make([]string, 0, MaxPriority+1)
	for p := 0; p <= MaxPriority; p++ {
		keys = append(keys, s.waitKey(p))
	}
	return keys
}

func (s *RedisStore) delayedKey() string   { return s.key("delayed") }
func (s *RedisStore) activeKey() string    { return s.key("active") }
func (s *RedisStore) completedKey() string { return s.key("completed") }
func (s *RedisStore) failedKey() string    { return s.key("failed") }
func (s *RedisStore) jobKey(id string) string {
	return s.key("job:" + id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Enqueue(ctx context.Context, job *domain.Job) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), jobFields(job))
	if !job.RunAt.IsZero() && job.RunAt.After(time.Now()) {
		pipe.ZAdd(ctx, s.delayedKey(), r.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, s.waitKey(job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(domain.ErrQueueUnavailable, "redis: %v", err)
	}
	return nil
}

// pollInterval paces the wait-list scan while every list is empty.
const pollInterval = 50 * time.Millisecond

func (s *RedisStore) Pull(ctx context.Context, block time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(block)
	for {
		for p := 0; p <= MaxPriority; p++ {
			id, err := s.rdb.LMove(ctx, s.waitKey(p), s.activeKey(), "RIGHT", "LEFT").Result()
			if err == r.Nil {
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(domain.ErrQueueUnavailable, "lmove: %v", err)
			}
			return s.activate(ctx, id)
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// activate marks a job just moved onto the active list and counts the
// attempt. When the mark never lands (crash, dropped connection) the id is
// still on the active list with a stale record, where ReclaimStale finds it.
func (s *RedisStore) activate(ctx context.Context, id string) (*domain.Job, error) {
	now := time.Now().UTC()
	jk := s.jobKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jk, "status", string(domain.StatusActive), "updated_at", now.UnixMilli())
	pipe.HIncrBy(ctx, jk, "attempts_made", 1)
	get := pipe.HGetAll(ctx, jk)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "activate %s", id)
	}
	fields := get.Val()
	if len(fields) == 0 {
		// Record pruned underneath us; drop the orphaned id.
		_ = s.rdb.LRem(ctx, s.activeKey(), 1, id)
		return nil, nil
	}
	return jobFromFields(id, fields)
}

func (s *RedisStore) Complete(ctx context.Context, job *domain.Job, result []byte) error {
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.activeKey(), 1, job.ID)
	pipe.HSet(ctx, s.jobKey(job.ID),
		"status", string(domain.StatusCompleted),
		"result", string(result),
		"updated_at", now.UnixMilli())
	pipe.LPush(ctx, s.completedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "complete %s", job.ID)
	}
	return s.trim(ctx, s.completedKey(), s.keepCompleted)
}

func (s *RedisStore) Retry(ctx context.Context, job *domain.Job, delay time.Duration, cause string) error {
	now := time.Now().UTC()
	due := now.Add(delay)
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.activeKey(), 1, job.ID)
	pipe.HSet(ctx, s.jobKey(job.ID),
		"status", string(domain.StatusWaiting),
		"last_error", cause,
		"run_at", due.UnixMilli(),
		"updated_at", now.UnixMilli())
	if delay > 0 {
		pipe.ZAdd(ctx, s.delayedKey(), r.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, s.waitKey(job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "retry %s", job.ID)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, job *domain.Job, cause string) error {
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.activeKey(), 1, job.ID)
	pipe.HSet(ctx, s.jobKey(job.ID),
		"status", string(domain.StatusFailed),
		"last_error", cause,
		"updated_at", now.UnixMilli())
	pipe.LPush(ctx, s.failedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "fail %s", job.ID)
	}
	return s.trim(ctx, s.failedKey(), s.keepFailed)
}

// trim prunes terminal jobs beyond keep, oldest first, record included.
func (s *RedisStore) trim(ctx context.Context, listKey string, keep int64) error {
	for {
		n, err := s.rdb.LLen(ctx, listKey).Result()
		if err != nil {
			return errors.Wrap(err, "llen")
		}
		if n <= keep {
			return nil
		}
		old, err := s.rdb.RPop(ctx, listKey).Result()
		if err == r.Nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "rpop")
		}
		if err := s.rdb.Del(ctx, s.jobKey(old)).Err(); err != nil {
			return errors.Wrapf(err, "del %s", old)
		}
	}
}

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		// ZREM is the winner guard: when several janitors race, only the one
		// that removed the member pushes it, so a job is never queued twice.
		n, err := s.rdb.ZRem(ctx, s.delayedKey(), id).Result()
		if err != nil {
			return moved, errors.Wrap(err, "zrem delayed")
		}
		if n == 0 {
			continue
		}
		p, err := s.rdb.HGet(ctx, s.jobKey(id), "priority").Int()
		if err == r.Nil {
			continue // pruned underneath us
		}
		if err != nil {
			return moved, errors.Wrapf(err, "priority of %s", id)
		}
		if err := s.rdb.LPush(ctx, s.waitKey(p), id).Err(); err != nil {
			return moved, errors.Wrapf(err, "requeue %s", id)
		}
		moved++
	}
	return moved, nil
}

// ReclaimStale walks the oldest end of the active list and requeues every id
// whose record has not moved since the cutoff. That covers both workers that
// died mid-handler and pulls whose activation write never landed: in either
// case the id sits on the active list with an untouched updated_at.
func (s *RedisStore) ReclaimStale(ctx context.Context, ttl time.Duration, limit int64) (int, error) {
	ids, err := s.rdb.LRange(ctx, s.activeKey(), -limit, -1).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()

	reclaimed := 0
	for _, id := range ids {
		fields, err := s.rdb.HMGet(ctx, s.jobKey(id), "updated_at", "priority").Result()
		if err != nil {
			return reclaimed, errors.Wrapf(err, "inspect %s", id)
		}
		updated, uok := fields[0].(string)
		prio, pok := fields[1].(string)
		if !uok || !pok {
			// Record pruned underneath us; drop the orphaned id.
			_, _ = s.rdb.LRem(ctx, s.activeKey(), 1, id).Result()
			continue
		}
		ms, _ := strconv.ParseInt(updated, 10, 64)
		if ms > cutoff {
			continue
		}
		// LREM is the winner guard: when several janitors race, only the one
		// that removed the id pushes it, so a job is never queued twice.
		n, err := s.rdb.LRem(ctx, s.activeKey(), 1, id).Result()
		if err != nil {
			return reclaimed, errors.Wrap(err, "lrem active")
		}
		if n == 0 {
			continue
		}
		p, _ := atoi(prio)
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.jobKey(id),
			"status", string(domain.StatusWaiting),
			"updated_at", time.Now().UnixMilli())
		pipe.LPush(ctx, s.waitKey(p), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, errors.Wrapf(err, "reclaim %s", id)
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (s *RedisStore) Stats(ctx context.Context) (domain.Stats, error) {
	pipe := s.rdb.Pipeline()
	waits := make([]*r.IntCmd, 0, MaxPriority+1)
	for _, k := range s.waitKeys() {
		waits = append(waits, pipe.LLen(ctx, k))
	}
	delayed := pipe.ZCard(ctx, s.delayedKey())
	active := pipe.LLen(ctx, s.activeKey())
	completed := pipe.LLen(ctx, s.completedKey())
	failed := pipe.LLen(ctx, s.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Stats{}, errors.Wrapf(domain.ErrQueueUnavailable, "stats: %v", err)
	}

	var stats domain.Stats
	for _, w := range waits {
		stats.Waiting += w.Val()
	}
	stats.Waiting += delayed.Val()
	stats.Active = active.Val()
	stats.Completed = completed.Val()
	stats.Failed = failed.Val()
	return stats, nil
}

func jobFields(j *domain.Job) map[string]any {
	return map[string]any{
		"kind":            string(j.Kind),
		"payload":         string(j.Payload),
		"priority":        j.Priority,
		"delay_ms":        j.Delay.Milliseconds(),
		"run_at":          unixMilliOrZero(j.RunAt),
		"attempts_made":   j.AttemptsMade,
		"max_attempts":    j.MaxAttempts,
		"backoff_base_ms": j.Backoff.Base.Milliseconds(),
		"backoff_factor":  j.Backoff.Factor,
		"backoff_max_ms":  j.Backoff.Max.Milliseconds(),
		"status":          string(j.Status),
		"result":          string(j.Result),
		"last_error":      j.LastError,
		"created_at":      unixMilliOrZero(j.CreatedAt),
		"updated_at":      unixMilliOrZero(j.UpdatedAt),
	}
}

func jobFromFields(id string, f map[string]string) (*domain.Job, error) {
	j := &domain.Job{
		ID:        id,
		Kind:      domain.Kind(f["kind"]),
		Status:    domain.Status(f["status"]),
		LastError: f["last_error"],
	}
	if v := f["payload"]; v != "" {
		j.Payload = []byte(v)
	}
	if v := f["result"]; v != "" {
		j.Result = []byte(v)
	}
	var err error
	if j.Priority, err = atoi(f["priority"]); err != nil {
		return nil, errors.Wrapf(err, "job %s priority", id)
	}
	if j.AttemptsMade, err = atoi(f["attempts_made"]); err != nil {
		return nil, errors.Wrapf(err, "job %s attempts_made", id)
	}
	if j.MaxAttempts, err = atoi(f["max_attempts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s max_attempts", id)
	}
	j.Delay = millisDuration(f["delay_ms"])
	j.Backoff = domain.Backoff{
		Base: millisDuration(f["backoff_base_ms"]),
		Max:  millisDuration(f["backoff_max_ms"]),
	}
	j.Backoff.Factor, _ = atoi(f["backoff_factor"])
	j.RunAt = millisTime(f["run_at"])
	j.CreatedAt = millisTime(f["created_at"])
	j.UpdatedAt = millisTime(f["updated_at"])
	return j, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func millisDuration(s string) time.Duration {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.Duration(ms) * time.Millisecond
}

func millisTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
