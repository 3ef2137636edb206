// Package lock provides keyed mutual exclusion with expiry. Holders that die keep
// the key only until the TTL lapses.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the key is already held.
var ErrNotAcquired = errors.New("lock: not acquired")

type Locker interface {
	// Acquire takes key for ttl without waiting.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	// Release frees the key if this lease still holds it.
	Release(ctx context.Context) error
}
