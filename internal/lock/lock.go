// Package lock provides named, TTL-bounded mutual exclusion used for overlap
// prevention and per-dedupe-key job execution.
package lock

import (
	"context"
	"time"
)

// Locker hands out named leases.
type Locker interface {
	// Acquire tries once to take key for ttl. ok is false when someone else
	// holds it; that is not an error.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	// Release gives the lock up. Releasing a lease that already expired or
	// was taken over is a no-op.
	Release(ctx context.Context) error
}
