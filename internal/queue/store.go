package queue

import (
	"context"
	"time"

	"github.com/you/drcal/internal/domain"
)

// MaxPriority bounds job priorities. Lower values run first; anything outside
// 0..MaxPriority is clamped.
const MaxPriority = 9

// Store is the durable backing of the queue. Pull must be atomic with respect
// to every other puller sharing the store: exactly one caller wins a given
// job, which comes back already marked active with its attempt counted.
type Store interface {
	// Enqueue persists a new waiting job. Errors match
	// domain.ErrQueueUnavailable when the store cannot be reached.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Pull blocks up to block for the next eligible job, preferring lower
	// priority values and creation order within a priority. Returns nil when
	// nothing became eligible in time.
	Pull(ctx context.Context, block time.Duration) (*domain.Job, error)

	// Complete moves an active job to its terminal completed state and
	// applies the completed-retention trim.
	Complete(ctx context.Context, job *domain.Job, result []byte) error

	// Retry moves an active job back to waiting, eligible after delay.
	Retry(ctx context.Context, job *domain.Job, delay time.Duration, cause string) error

	// Fail moves an active job to its terminal failed state and applies the
	// failed-retention trim.
	Fail(ctx context.Context, job *domain.Job, cause string) error

	// PromoteDue moves delayed jobs whose due time has passed into the
	// waiting queue. Safe to run from several processes at once.
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)

	// ReclaimStale requeues jobs that have been active longer than ttl,
	// covering workers that died mid-handler.
	ReclaimStale(ctx context.Context, ttl time.Duration, limit int64) (int, error)

	// Stats counts jobs by state. Waiting includes delayed jobs.
	Stats(ctx context.Context) (domain.Stats, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
