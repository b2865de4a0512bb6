// Package postgres implements the lock.Locker lease on PostgreSQL advisory
// locks.
//
// Advisory locks are connection-scoped, so each acquired lease pins one
// connection from the pool until released. The lock key is the xxhash of the
// lease name folded into the non-negative int64 range pg_try_advisory_lock
// expects.
package postgres

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabula/internal/lock"
)

// Locker implements lock.Locker using pg_try_advisory_lock.
// All methods are safe for concurrent use.
type Locker struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a Locker backed by the given connection pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// TryAcquire implements lock.Locker. The lease holds one pooled connection
// for its whole lifetime because advisory locks are owned by the session that
// took them.
func (l *Locker) TryAcquire(ctx context.Context, name string) (lock.ReleaseFunc, bool, error) {
	key := Key(name)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("pglock: acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pglock: try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			defer conn.Release()
			_, err = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
			if err != nil {
				err = fmt.Errorf("pglock: advisory unlock: %w", err)
			}
		})
		return err
	}
	return release, true, nil
}

// Key maps a lease name onto the int64 key space of advisory locks.
func Key(name string) int64 {
	return int64(xxhash.Sum64String(name) % uint64(math.MaxInt64))
}
