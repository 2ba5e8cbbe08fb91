package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestThrottle(t *testing.T) (*LoginThrottle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLoginThrottle(client, Config{MaxAttempts: 5, BlockWindow: 600 * time.Second}), mr
}

func TestThrottleBlocksAtThreshold(t *testing.T) {
	throttle, _ := newTestThrottle(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		attempts, err := throttle.RecordFailure(ctx, "user@test.local")
		require.NoError(t, err)
		require.EqualValues(t, i, attempts)

		blocked, err := throttle.IsBlocked(ctx, "user@test.local")
		require.NoError(t, err)
		require.False(t, blocked)
	}

	attempts, err := throttle.RecordFailure(ctx, "user@test.local")
	require.NoError(t, err)
	require.EqualValues(t, 5, attempts)

	blocked, err := throttle.IsBlocked(ctx, "user@test.local")
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestThrottleResetClearsCounter(t *testing.T) {
	throttle, _ := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := throttle.RecordFailure(ctx, "user@test.local")
		require.NoError(t, err)
	}
	require.NoError(t, throttle.Reset(ctx, "user@test.local"))

	// Counting starts over after a successful login.
	attempts, err := throttle.RecordFailure(ctx, "user@test.local")
	require.NoError(t, err)
	require.EqualValues(t, 1, attempts)

	blocked, err := throttle.IsBlocked(ctx, "user@test.local")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestThrottleBlockExpires(t *testing.T) {
	throttle, mr := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := throttle.RecordFailure(ctx, "user@test.local")
		require.NoError(t, err)
	}
	blocked, err := throttle.IsBlocked(ctx, "user@test.local")
	require.NoError(t, err)
	require.True(t, blocked)

	mr.FastForward(601 * time.Second)

	blocked, err = throttle.IsBlocked(ctx, "user@test.local")
	require.NoError(t, err)
	require.False(t, blocked)

	// The raw counter was cleared when the block was set.
	attempts, err := throttle.RecordFailure(ctx, "user@test.local")
	require.NoError(t, err)
	require.EqualValues(t, 1, attempts)
}

func TestThrottleCounterWindowExpires(t *testing.T) {
	throttle, mr := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := throttle.RecordFailure(ctx, "user@test.local")
		require.NoError(t, err)
	}

	mr.FastForward(601 * time.Second)

	attempts, err := throttle.RecordFailure(ctx, "user@test.local")
	require.NoError(t, err)
	require.EqualValues(t, 1, attempts)
}

func TestThrottleIdentitiesIndependent(t *testing.T) {
	throttle, _ := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := throttle.RecordFailure(ctx, "first@test.local")
		require.NoError(t, err)
	}

	blocked, err := throttle.IsBlocked(ctx, "second@test.local")
	require.NoError(t, err)
	require.False(t, blocked)
}
