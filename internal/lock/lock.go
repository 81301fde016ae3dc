// Package lock provides named, non-blocking mutual exclusion on top of
// Postgres advisory locks.
package lock

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Service acquires advisory locks on dedicated pool connections. Postgres
// advisory locks are session scoped, so a lock held by a crashed process is
// freed when its connection drops; nothing can wedge a key permanently.
type Service struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// TryAcquire attempts the lock for key without waiting. When locked is true
// the caller must invoke release on every exit path; release is idempotent.
// The text key is hashed server-side, mirroring pg_try_advisory_lock's
// bigint keyspace.
func (s *Service) TryAcquire(ctx context.Context, key string) (release func(context.Context), locked bool, err error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire connection")
	}

	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock(hashtext($1))", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, errors.Wrapf(err, "pg_try_advisory_lock %q", key)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	// The lock lives on this pinned connection; unlock must run on the same
	// session before the connection goes back to the pool.
	var once sync.Once
	release = func(ctx context.Context) {
		once.Do(func() {
			_, _ = conn.Exec(ctx, "select pg_advisory_unlock(hashtext($1))", key)
			conn.Release()
		})
	}
	return release, true, nil
}
