package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_CountQuota(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionLike, 3)
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d", i)
	}

	allowed, err := e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionLike, 3)
	require.NoError(t, err)
	assert.False(t, allowed)

	// quotas are scoped per user, room and action
	for _, tc := range []struct {
		user, room string
		action     Action
	}{
		{"u2", "r1", ActionLike},
		{"u1", "r2", ActionLike},
		{"u1", "r1", ActionComment},
	} {
		allowed, err := e.Limiter.CheckAndRecord(ctx, tc.user, tc.room, tc.action, 3)
		require.NoError(t, err)
		assert.True(t, allowed, "%+v", tc)
	}
}

func TestRateLimiter_ZeroLimitDisablesQuota(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		allowed, err := e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionLike, 0)
		require.NoError(t, err)
		require.True(t, allowed, "attempt %d", i)
	}
}

func TestRateLimiter_MinimumInterval(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.CommentInterval = 3 * time.Second
	})
	ctx := context.Background()

	allowed, err := e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionComment, 10)
	require.NoError(t, err)
	assert.True(t, allowed)

	e.clock.Advance(2 * time.Second)
	allowed, err = e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionComment, 10)
	require.NoError(t, err)
	assert.False(t, allowed, "second action inside the interval")

	// a denied attempt does not reset the interval
	e.clock.Advance(time.Second)
	allowed, err = e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionComment, 10)
	require.NoError(t, err)
	assert.True(t, allowed)

	// likes have no interval configured
	for i := 0; i < 3; i++ {
		allowed, err = e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionLike, 10)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimiter_QuotaSpentOnlyOnCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	aborted := errors.New("mutation failed")
	err := e.store.Update(ctx, func(txn store.Txn) error {
		allowed, err := e.Limiter.checkAndRecord(txn, "u1", "r1", ActionComment, 1)
		require.NoError(t, err)
		require.True(t, allowed)
		return aborted
	})
	require.ErrorIs(t, err, aborted)

	allowed, err := e.Limiter.CheckAndRecord(ctx, "u1", "r1", ActionComment, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "the aborted attempt must not count")
}
