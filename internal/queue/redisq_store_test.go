package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/drcal/internal/domain"
)

func newStoreOnMiniredis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "appointments")
}

func waitingJob(id string, priority int) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:          id,
		Kind:        domain.KindSendNotification,
		Payload:     []byte(`{}`),
		Priority:    priority,
		MaxAttempts: 3,
		Backoff:     domain.DefaultBackoff(),
		Status:      domain.StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRedisStore_PullActivatesInPriorityOrder(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("low", 5)))
	require.NoError(t, s.Enqueue(ctx, waitingJob("high", 1)))

	job, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "high", job.ID)
	assert.Equal(t, domain.StatusActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Active)
}

func TestRedisStore_PullEmptyReturnsNil(t *testing.T) {
	s := newStoreOnMiniredis(t)

	job, err := s.Pull(context.Background(), 60*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisStore_CompleteIsTerminal(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("j1", 2)))
	job, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.Complete(ctx, job, []byte(`{"ok":true}`)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Completed: 1}, stats)

	status, err := s.rdb.HGet(ctx, s.jobKey("j1"), "status").Result()
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), status)
}

// A pull can be cut short after the id left the wait list but before the
// activation write landed (dropped connection, killed process). The id must
// stay visible to the reclaimer, never to nobody.
func TestRedisStore_InterruptedPullIsReclaimed(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("j1", 2)))

	// The atomic hand-off happened, the activation write did not.
	id, err := s.rdb.LMove(ctx, s.waitKey(2), s.activeKey(), "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	require.Equal(t, "j1", id)

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := s.ReclaimStale(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	job, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestRedisStore_StaleActiveIsReclaimed(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("j1", 2)))
	job, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Worker died mid-handler an hour ago.
	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.rdb.HSet(ctx, s.jobKey("j1"), "updated_at", old).Err())

	reclaimed, err := s.ReclaimStale(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	again, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "j1", again.ID)
	assert.Equal(t, 2, again.AttemptsMade)
}

func TestRedisStore_FreshActiveIsLeftAlone(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("j1", 2)))
	_, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStale(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
}

func TestRedisStore_PromoteDue(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	job := waitingJob("j1", 2)
	job.Delay = time.Minute
	job.RunAt = time.Now().Add(time.Minute)
	require.NoError(t, s.Enqueue(ctx, job))

	moved, err := s.PromoteDue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	moved, err = s.PromoteDue(ctx, time.Now().Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.ID)
}

func TestRedisStore_RetrySchedulesDelayed(t *testing.T) {
	s := newStoreOnMiniredis(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, waitingJob("j1", 2)))
	job, err := s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.Retry(ctx, job, 2*time.Second, "provider timeout"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "delayed jobs count as waiting")
	assert.Equal(t, int64(0), stats.Active)

	// Not eligible until the delay elapses.
	got, err := s.Pull(ctx, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	moved, err := s.PromoteDue(ctx, time.Now().Add(3*time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	got, err = s.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.AttemptsMade)
	assert.Equal(t, "provider timeout", got.LastError)
}

func TestRedisStore_RetentionTrim(t *testing.T) {
	s := newStoreOnMiniredis(t)
	s.SetRetention(2, 1)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, s.Enqueue(ctx, waitingJob(id, 2)))
		job, err := s.Pull(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, s.Complete(ctx, job, nil))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)

	// The oldest record is pruned along with its list entry.
	exists, err := s.rdb.Exists(ctx, s.jobKey("j1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
