package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	lease, err := l.Acquire(ctx, "refund:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "refund:1", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = l.Acquire(ctx, "refund:2", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = l.Acquire(ctx, "refund:1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "sub:1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = l.Acquire(ctx, "sub:1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "sub:1", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}
