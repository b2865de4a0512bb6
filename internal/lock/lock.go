// Package lock defines the named mutual-exclusion lease used to serialise
// story advancement across processes.
//
// Acquisition is always non-blocking: a caller that loses the race is told so
// immediately and decides itself whether to retry. The returned release
// function is safe to call exactly once on every exit path; implementations
// must tolerate a second call as a no-op.
package lock

import "context"

// ReleaseFunc releases a held lease. It must be called on every exit path,
// success or failure, once the lease has been acquired.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out named mutual-exclusion leases. Implementations must be
// safe for concurrent use and must guarantee that at most one holder exists
// per name across the Locker's whole scope (a process for the in-memory
// implementation, the database cluster for the Postgres one).
type Locker interface {
	// TryAcquire attempts to take the lease for name without blocking.
	// When the lease is free it returns (release, true, nil); the caller owns
	// the lease until it calls release. When the lease is held elsewhere it
	// returns (nil, false, nil). A non-nil error means the attempt itself
	// failed and says nothing about who holds the lease.
	TryAcquire(ctx context.Context, name string) (release ReleaseFunc, ok bool, err error)
}
